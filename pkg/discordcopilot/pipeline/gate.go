package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/store"
)

// AuthStatus is the outcome of an allow-list lookup.
type AuthStatus int

const (
	AuthFound AuthStatus = iota + 1
	AuthNotFound
	AuthError
)

func (s AuthStatus) String() string {
	switch s {
	case AuthFound:
		return "found"
	case AuthNotFound:
		return "not_found"
	case AuthError:
		return "error"
	default:
		return "unknown"
	}
}

// AuthResult is the tri-state answer of the Gate. Entry is set only for
// AuthFound and Err only for AuthError.
type AuthResult struct {
	Status AuthStatus
	Entry  store.ChannelEntry
	Err    error
}

// Gate decides whether a channel may trigger the pipeline.
type Gate struct {
	store AuthorizationStore
}

// NewGate creates a Gate over the allow-list store.
func NewGate(s AuthorizationStore) *Gate {
	return &Gate{store: s}
}

// Check looks up channelID by exact match. A missing row is AuthNotFound;
// any other lookup failure is AuthError and must be treated as a denial.
func (g *Gate) Check(ctx context.Context, channelID string) AuthResult {
	if strings.TrimSpace(channelID) == "" {
		return AuthResult{Status: AuthNotFound}
	}

	entry, err := g.store.LookupChannel(ctx, channelID)
	switch {
	case err == nil:
		return AuthResult{Status: AuthFound, Entry: entry}
	case errors.Is(err, store.ErrNotFound):
		return AuthResult{Status: AuthNotFound}
	default:
		return AuthResult{Status: AuthError, Err: err}
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/store"
)

// Assembly is the Assembler output plus the degradations that happened.
type Assembly struct {
	Prompt Prompt

	// PersonaFallback is true when the fallback persona was used.
	PersonaFallback bool

	PersonaErr error
	HistoryErr error
}

// Assembler builds the generation prompt from the persona, the recent
// channel history and the retrieved chunks.
type Assembler struct {
	persona      PersonaStore
	history      HistoryStore
	historyLimit int
	fallback     string
}

// NewAssembler creates an Assembler reading at most historyLimit turns.
func NewAssembler(p PersonaStore, h HistoryStore, historyLimit int, fallback string) *Assembler {
	if strings.TrimSpace(fallback) == "" {
		fallback = DefaultFallbackPersona
	}
	return &Assembler{persona: p, history: h, historyLimit: historyLimit, fallback: fallback}
}

// Assemble reads the persona and history concurrently. Neither read can
// fail the cycle: a persona failure uses the fallback and a history failure
// yields an empty history.
func (a *Assembler) Assemble(ctx context.Context, channelID, message string, retrieval Retrieval) Assembly {
	var (
		persona    string
		personaErr error
		turns      []store.Turn
		historyErr error
	)

	var g errgroup.Group
	g.Go(func() error {
		persona, personaErr = a.readPersona(ctx)
		return nil
	})
	g.Go(func() error {
		turns, historyErr = a.readHistory(ctx, channelID)
		return nil
	})
	_ = g.Wait()

	out := Assembly{PersonaErr: personaErr, HistoryErr: historyErr}
	if strings.TrimSpace(persona) == "" {
		persona = a.fallback
		out.PersonaFallback = true
	}

	out.Prompt = Prompt{
		Persona: persona,
		Context: retrieval.Contents(),
		History: turns,
		Message: message,
	}
	return out
}

// readPersona returns "" without error when no persona is stored.
func (a *Assembler) readPersona(ctx context.Context) (string, error) {
	if a.persona == nil {
		return "", nil
	}
	content, err := a.persona.Persona(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read persona: %w", err)
	}
	return content, nil
}

// readHistory fetches the newest turns and returns them oldest first.
func (a *Assembler) readHistory(ctx context.Context, channelID string) ([]store.Turn, error) {
	if a.history == nil || a.historyLimit <= 0 {
		return nil, nil
	}
	turns, err := a.history.RecentTurns(ctx, channelID, a.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if len(turns) > a.historyLimit {
		turns = turns[:a.historyLimit]
	}

	chronological := make([]store.Turn, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if !t.Role.Valid() {
			continue
		}
		chronological = append(chronological, t)
	}
	return chronological, nil
}

// Package store implements the datastore-backed collaborators of the reply
// pipeline: the channel allow-list, the persona instruction, the per-channel
// conversation history and the knowledge chunk index. Every call round-trips
// to the database; nothing is cached.
package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// PersonaKey is the id of the singleton persona row.
const PersonaKey = "current"

// Role tags a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Valid reports whether r is a persisted role.
func (r Role) Valid() bool { return r == RoleUser || r == RoleModel }

// ChannelEntry permits one channel to trigger replies.
type ChannelEntry struct {
	ChannelID string
	CreatedAt time.Time
}

// Turn is one message in a channel's history.
type Turn struct {
	ID        int64
	ChannelID string
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Chunk is a knowledge chunk returned by a similarity search.
type Chunk struct {
	ID         int64
	Content    string
	Similarity float64
}

// timeLayout is fixed-width so SQLite TEXT timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// timestamp scans a TIMESTAMPTZ (PostgreSQL) or TEXT (SQLite) column.
type timestamp struct{ time.Time }

func (ts *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		ts.Time = v.UTC()
	case string:
		ts.Time = parseTime(v)
	case []byte:
		ts.Time = parseTime(string(v))
	case nil:
		ts.Time = time.Time{}
	default:
		return fmt.Errorf("store: cannot scan %T into timestamp", src)
	}
	return nil
}

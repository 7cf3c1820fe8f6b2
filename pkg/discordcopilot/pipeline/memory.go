package pipeline

import (
	"context"
	"fmt"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/store"
)

// MemoryWriter records one exchange in the channel history.
type MemoryWriter struct {
	history HistoryStore
}

// NewMemoryWriter creates a MemoryWriter over the history store.
func NewMemoryWriter(h HistoryStore) *MemoryWriter {
	return &MemoryWriter{history: h}
}

// Write appends the user turn and then the model turn for channelID. reply
// is the full generated text, independent of what was delivered.
func (w *MemoryWriter) Write(ctx context.Context, channelID, message, reply string) error {
	err := w.history.AppendTurns(ctx, channelID,
		store.Turn{Role: store.RoleUser, Content: message},
		store.Turn{Role: store.RoleModel, Content: reply},
	)
	if err != nil {
		return fmt.Errorf("append turns: %w", err)
	}
	return nil
}

package pipeline

import (
	"context"
	"time"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/channels"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/llm"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/store"
)

// Stage names a pipeline step in logs and metrics.
type Stage string

const (
	StageGate     Stage = "gate"
	StageRetrieve Stage = "retrieve"
	StageEmbed    Stage = "embed"
	StageSearch   Stage = "search"
	StagePersona  Stage = "persona"
	StageHistory  Stage = "history"
	StageAssemble Stage = "assemble"
	StageGenerate Stage = "generate"
	StageDeliver  Stage = "deliver"
	StageNotice   Stage = "notice"
	StagePersist  Stage = "persist"
)

// Category classifies a failure by how the cycle reacts to it.
type Category string

const (
	// CategoryGating failures stop the cycle silently.
	CategoryGating Category = "gating"
	// CategoryDegradable failures reduce context and the cycle continues.
	CategoryDegradable Category = "degradable"
	// CategoryFatal failures abort the cycle with one generic notice.
	CategoryFatal Category = "fatal"
	// CategoryBestEffort failures never change what the user sees.
	CategoryBestEffort Category = "best_effort"
)

// StageError carries the stage and category of a failure for operators.
type StageError struct {
	Stage    Stage
	Category Category
	Err      error
}

func (e *StageError) Error() string {
	return string(e.Stage) + " (" + string(e.Category) + "): " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// ── Collaborators ──

// AuthorizationStore answers whether a channel has an allow-list entry. It
// must return store.ErrNotFound (possibly wrapped) when there is none.
type AuthorizationStore interface {
	LookupChannel(ctx context.Context, channelID string) (store.ChannelEntry, error)
}

// PersonaStore reads the singleton persona instruction.
type PersonaStore interface {
	Persona(ctx context.Context) (string, error)
}

// HistoryStore reads and appends conversation turns. RecentTurns returns
// the newest turns first.
type HistoryStore interface {
	RecentTurns(ctx context.Context, channelID string, limit int) ([]store.Turn, error)
	AppendTurns(ctx context.Context, channelID string, turns ...store.Turn) error
}

// KnowledgeStore runs similarity searches over knowledge chunks.
type KnowledgeStore interface {
	SearchChunks(ctx context.Context, vector []float32, k int, threshold float64) ([]store.Chunk, error)
}

// Embedder turns text into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator produces the reply text for an assembled request.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

// Sender delivers one text segment to a conversation on a platform.
type Sender interface {
	Send(ctx context.Context, channelName, to string, msg *channels.OutgoingMessage) error
}

// Typer is implemented by senders that can show a typing indicator.
type Typer interface {
	SendTyping(ctx context.Context, channelName, to string) error
}

// Recorder receives pipeline measurements. All methods must be safe for
// concurrent use.
type Recorder interface {
	ObserveStage(stage string, d time.Duration)
	StageError(stage, category string)
	Outcome(result string)
	InFlight(delta float64)
	SegmentsDelivered(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveStage(string, time.Duration) {}
func (nopRecorder) StageError(string, string)          {}
func (nopRecorder) Outcome(string)                     {}
func (nopRecorder) InFlight(float64)                   {}
func (nopRecorder) SegmentsDelivered(int)              {}

// Package copilot – config.go defines all configuration structures for the
// Discord copilot.
package copilot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/channels"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/channels/discord"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/database"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/llm"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/memory"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/observability"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/pipeline"
)

// Config holds all copilot configuration.
type Config struct {
	// Name is the bot name used in logs and metrics namespace.
	Name string `yaml:"name"`

	// Discord configures the gateway connection.
	Discord discord.Config `yaml:"discord"`

	// Gemini configures the embedding and generation services.
	Gemini GeminiConfig `yaml:"gemini"`

	// Database configures the datastore backend.
	Database database.Config `yaml:"database"`

	// AutoMigrate applies the schema when serving starts (default: true).
	AutoMigrate bool `yaml:"auto_migrate"`

	// Pipeline holds the reply pipeline tunables.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Scheduler configures periodic maintenance jobs.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Ops configures the health/metrics HTTP server.
	Ops observability.ServerConfig `yaml:"ops"`

	// Logging configures log level and format.
	Logging LoggingConfig `yaml:"logging"`
}

// GeminiConfig groups the Gemini services. Both run on one genai client
// whose key is generation.api_key, falling back to APIKey.
type GeminiConfig struct {
	APIKey     string                 `yaml:"api_key"`
	Embedding  memory.EmbeddingConfig `yaml:"embedding"`
	Generation llm.Config             `yaml:"generation"`
}

// PipelineConfig holds the reply pipeline tunables.
type PipelineConfig struct {
	// TopK is the maximum number of knowledge chunks per prompt (default: 3).
	TopK int `yaml:"top_k"`

	// Threshold is the minimum similarity for a chunk, in [0,1] (default: 0.5).
	Threshold float64 `yaml:"threshold"`

	// HistoryLimit is the number of recent turns sent to the model (default: 10).
	HistoryLimit int `yaml:"history_limit"`

	// MaxMessageLength is the segment size for delivery (default and max: 2000).
	MaxMessageLength int `yaml:"max_message_length"`

	// FallbackPersona is used when no persona is stored.
	FallbackPersona string `yaml:"fallback_persona"`

	// FailureNotice is the single message sent when generation fails.
	FailureNotice string `yaml:"failure_notice"`

	// MaxConcurrent bounds pipelines running at once (default: 16).
	MaxConcurrent int `yaml:"max_concurrent"`

	// SerializePerChannel runs messages of one channel one at a time. Other
	// channels stay concurrent (default: false).
	SerializePerChannel bool `yaml:"serialize_per_channel"`

	// PersistTimeout bounds the history write (default: 10s).
	PersistTimeout time.Duration `yaml:"persist_timeout"`

	// ShutdownTimeout is how long Stop waits for running pipelines (default: 30s).
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SchedulerConfig configures maintenance jobs.
type SchedulerConfig struct {
	// HealthProbe is the datastore probe schedule (default: "@every 1m").
	// Empty disables the probe.
	HealthProbe string `yaml:"health_probe"`

	// HistoryRetention deletes turns older than this. Zero keeps everything.
	HistoryRetention time.Duration `yaml:"history_retention"`

	// RetentionSchedule is when the retention job runs (default: "@daily").
	RetentionSchedule string `yaml:"retention_schedule"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	gen := llm.DefaultConfig()
	return &Config{
		Name:    "discordcopilot",
		Discord: discord.DefaultConfig(),
		Gemini: GeminiConfig{
			Embedding:  memory.DefaultEmbeddingConfig(),
			Generation: gen,
		},
		Database:    database.DefaultConfig(),
		AutoMigrate: true,
		Pipeline: PipelineConfig{
			TopK:             3,
			Threshold:        0.5,
			HistoryLimit:     10,
			MaxMessageLength: channels.MaxMessageLength,
			FallbackPersona:  pipeline.DefaultFallbackPersona,
			FailureNotice:    pipeline.DefaultFailureNotice,
			MaxConcurrent:    16,
			PersistTimeout:   10 * time.Second,
			ShutdownTimeout:  30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			HealthProbe:       "@every 1m",
			RetentionSchedule: "@daily",
		},
		Ops: observability.ServerConfig{
			Address: "127.0.0.1:9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// PipelineOptions converts the tunables into pipeline settings.
func (c *Config) PipelineOptions() pipeline.Config {
	return pipeline.Config{
		TopK:             c.Pipeline.TopK,
		Threshold:        c.Pipeline.Threshold,
		HistoryLimit:     c.Pipeline.HistoryLimit,
		MaxMessageLength: c.Pipeline.MaxMessageLength,
		FallbackPersona:  c.Pipeline.FallbackPersona,
		FailureNotice:    c.Pipeline.FailureNotice,
		SendTyping:       c.Discord.SendTyping,
		ReplyToMessage:   c.Discord.ReplyToMessage,
		PersistTimeout:   c.Pipeline.PersistTimeout,
	}
}

// GenerationConfig returns the generation settings with the shared key
// applied. The genai client used by both services is built from it.
func (c *Config) GenerationConfig() llm.Config {
	g := c.Gemini.Generation
	if g.APIKey == "" {
		g.APIKey = c.Gemini.APIKey
	}
	return g
}

// Validate checks the configuration. requireServices adds the checks that
// only matter when connecting to Discord and Gemini.
func (c *Config) Validate(requireServices bool) error {
	var errs []error
	p := c.Pipeline

	if p.TopK <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.top_k must be positive, got %d", p.TopK))
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.threshold must be within [0,1], got %g", p.Threshold))
	}
	if p.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.history_limit must be positive, got %d", p.HistoryLimit))
	}
	if p.MaxMessageLength <= 0 || p.MaxMessageLength > channels.MaxMessageLength {
		errs = append(errs, fmt.Errorf("pipeline.max_message_length must be within 1..%d, got %d",
			channels.MaxMessageLength, p.MaxMessageLength))
	}
	if p.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent must be positive, got %d", p.MaxConcurrent))
	}
	if n := len([]rune(p.FailureNotice)); n == 0 || n > p.MaxMessageLength {
		errs = append(errs, fmt.Errorf("pipeline.failure_notice must be 1..max_message_length characters"))
	}

	switch c.Database.Backend {
	case database.BackendPostgreSQL, database.BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("database.backend %q is not supported", c.Database.Backend))
	}
	if c.Gemini.Embedding.Dimensions > 0 && c.Database.Backend == database.BackendPostgreSQL &&
		c.Database.PostgreSQL.Dimensions > 0 && c.Gemini.Embedding.Dimensions != c.Database.PostgreSQL.Dimensions {
		errs = append(errs, fmt.Errorf("gemini.embedding.dimensions (%d) must match database.postgresql.dimensions (%d)",
			c.Gemini.Embedding.Dimensions, c.Database.PostgreSQL.Dimensions))
	}

	if requireServices {
		if strings.TrimSpace(c.Discord.Token) == "" || IsEnvReference(c.Discord.Token) {
			errs = append(errs, errors.New("discord token is missing (set DISCORD_TOKEN or run: discordcopilot secrets set discord_token)"))
		}
		if c.GenerationConfig().APIKey == "" {
			errs = append(errs, errors.New("gemini API key is missing (set GEMINI_API_KEY or run: discordcopilot secrets set gemini_api_key)"))
		}
	}

	return errors.Join(errs...)
}

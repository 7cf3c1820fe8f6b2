// Package database opens the datastore backend (PostgreSQL/Supabase or
// SQLite) behind a single handle shared by every store. The handle is safe
// for concurrent use; no caching or locking happens above it.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/database/backends"
)

// BackendType identifies the type of database backend.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
)

// Config selects and configures the backend.
type Config struct {
	// Backend is "postgresql" (default) or "sqlite".
	Backend BackendType `yaml:"backend"`

	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
}

// SQLiteConfig holds SQLite configuration.
type SQLiteConfig struct {
	// Path to the database file (default: "./data/discordcopilot.db")
	Path string `yaml:"path"`

	// JournalMode (default: WAL)
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout in milliseconds (default: 5000)
	BusyTimeout int `yaml:"busy_timeout"`
}

// PostgreSQLConfig holds PostgreSQL and Supabase configuration.
type PostgreSQLConfig struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// SupabaseURL is the project URL; with Password it targets the project database.
	SupabaseURL string `yaml:"supabase_url"`

	// Dimensions must match the embedding model (default: 768).
	Dimensions int `yaml:"dimensions"`
}

// DefaultConfig returns the default database configuration.
func DefaultConfig() Config {
	return Config{
		Backend: BackendPostgreSQL,
		SQLite: SQLiteConfig{
			Path:        "./data/discordcopilot.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		PostgreSQL: PostgreSQLConfig{
			Port:       5432,
			SSLMode:    "require",
			Dimensions: 768,
		},
	}
}

// Migrator applies the schema.
type Migrator interface {
	CurrentVersion(ctx context.Context) (int, error)
	Migrate(ctx context.Context) error
}

// HealthChecker reports datastore health.
type HealthChecker interface {
	Ping(ctx context.Context) error
	Status(ctx context.Context) map[string]any
}

// Backend is an open datastore connection.
type Backend struct {
	Type     BackendType
	DB       *sql.DB
	Migrator Migrator
	Health   HealthChecker
}

// Open connects to the configured backend.
func Open(cfg Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case BackendSQLite:
		b, err := backends.OpenSQLite(backends.SQLiteConfig{
			Path:        cfg.SQLite.Path,
			JournalMode: cfg.SQLite.JournalMode,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		logger.Info("database opened", "backend", BackendSQLite, "path", b.Config.Path)
		return &Backend{Type: BackendSQLite, DB: b.DB, Migrator: b.Migrator, Health: b.Health}, nil

	case BackendPostgreSQL, "":
		pg := cfg.PostgreSQL
		b, err := backends.OpenPostgreSQL(backends.PostgreSQLConfig{
			DSN:             pg.DSN,
			Host:            pg.Host,
			Port:            pg.Port,
			Database:        pg.Database,
			User:            pg.User,
			Password:        pg.Password,
			SSLMode:         pg.SSLMode,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
			SupabaseURL:     pg.SupabaseURL,
			Dimensions:      pg.Dimensions,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("postgresql: %w", err)
		}
		logger.Info("database opened", "backend", BackendPostgreSQL)
		return &Backend{Type: BackendPostgreSQL, DB: b.DB, Migrator: b.Migrator, Health: b.Health}, nil

	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.Backend)
	}
}

// Close closes the underlying connection pool.
func (b *Backend) Close() error {
	return b.DB.Close()
}

// Rebind rewrites '?' placeholders to the backend's native form.
func (b *Backend) Rebind(query string) string {
	return Rebind(b.Type, query)
}

// Rebind rewrites '?' placeholders to $1, $2, ... for PostgreSQL. Question
// marks inside single-quoted literals are left alone.
func Rebind(t BackendType, query string) string {
	if t != BackendPostgreSQL {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			sb.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

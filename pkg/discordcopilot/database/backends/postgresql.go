// Package backends provides the PostgreSQL and SQLite connections behind the
// database package.
package backends

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// PostgreSQLBackend wraps the PostgreSQL database connection.
type PostgreSQLBackend struct {
	DB     *sql.DB
	Config PostgreSQLConfig

	Migrator *PostgreSQLMigrator
	Health   *PostgreSQLHealthChecker

	logger *slog.Logger
}

// PostgreSQLConfig holds PostgreSQL-specific configuration.
type PostgreSQLConfig struct {
	// DSN, when set, is used verbatim and overrides every other field.
	DSN string

	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SupabaseURL is the project URL (https://<ref>.supabase.co); combined
	// with Password it selects the project's direct database host.
	SupabaseURL string

	// Dimensions is the embedding width of documents.embedding.
	Dimensions int
}

// OpenPostgreSQL opens a PostgreSQL connection pool and verifies connectivity.
func OpenPostgreSQL(config PostgreSQLConfig, logger *slog.Logger) (*PostgreSQLBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()

	db, err := sql.Open("pgx", BuildPostgreSQLDSN(config))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgreSQLBackend{
		DB:       db,
		Config:   config,
		Migrator: NewPostgreSQLMigrator(db, config.Dimensions),
		Health:   NewPostgreSQLHealthChecker(db),
		logger:   logger,
	}, nil
}

func (c PostgreSQLConfig) withDefaults() PostgreSQLConfig {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 10
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.Dimensions == 0 {
		c.Dimensions = 768
	}
	return c
}

// BuildPostgreSQLDSN builds the connection string.
func BuildPostgreSQLDSN(config PostgreSQLConfig) string {
	if config.DSN != "" {
		return config.DSN
	}

	if config.SupabaseURL != "" {
		if host, ok := supabaseDBHost(config.SupabaseURL); ok {
			return fmt.Sprintf("host=%s port=5432 user=postgres password=%s dbname=postgres sslmode=require",
				host, quoteDSNValue(config.Password))
		}
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, quoteDSNValue(config.Password), config.Database, config.SSLMode)
}

// supabaseDBHost maps https://<ref>.supabase.co to db.<ref>.supabase.co.
func supabaseDBHost(projectURL string) (string, bool) {
	u, err := url.Parse(projectURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	parts := strings.Split(u.Hostname(), ".")
	if len(parts) != 3 || parts[1] != "supabase" {
		return "", false
	}
	return fmt.Sprintf("db.%s.%s.%s", parts[0], parts[1], parts[2]), true
}

// quoteDSNValue quotes a keyword/value DSN value when it holds spaces or quotes.
func quoteDSNValue(v string) string {
	if v == "" {
		return "''"
	}
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Close closes the database connection.
func (b *PostgreSQLBackend) Close() error {
	return b.DB.Close()
}

// PostgreSQLMigrator handles schema migrations for PostgreSQL.
type PostgreSQLMigrator struct {
	db         *sql.DB
	dimensions int
}

// NewPostgreSQLMigrator creates a new PostgreSQL migrator.
func NewPostgreSQLMigrator(db *sql.DB, dimensions int) *PostgreSQLMigrator {
	return &PostgreSQLMigrator{db: db, dimensions: dimensions}
}

// CurrentVersion returns the current schema version (0 before the first migration).
func (m *PostgreSQLMigrator) CurrentVersion(ctx context.Context) (int, error) {
	var exists bool
	err := m.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = current_schema()
			AND table_name = 'schema_version'
		)`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check schema_version: %w", err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return version, nil
}

// Migrate applies the schema. It is idempotent.
func (m *PostgreSQLMigrator) Migrate(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("enable pgvector: %w", err)
	}

	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if _, err := m.db.ExecContext(ctx, GetPostgreSQLSchema(m.dimensions)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	_, err := m.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT DO NOTHING", SchemaVersion)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// PostgreSQLHealthChecker monitors PostgreSQL database health.
type PostgreSQLHealthChecker struct {
	db *sql.DB
}

// NewPostgreSQLHealthChecker creates a new health checker.
func NewPostgreSQLHealthChecker(db *sql.DB) *PostgreSQLHealthChecker {
	return &PostgreSQLHealthChecker{db: db}
}

// Ping checks database connectivity.
func (h *PostgreSQLHealthChecker) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Status returns detailed health status.
func (h *PostgreSQLHealthChecker) Status(ctx context.Context) map[string]any {
	start := time.Now()
	err := h.db.PingContext(ctx)
	latency := time.Since(start)
	if err != nil {
		return map[string]any{
			"healthy": false,
			"error":   err.Error(),
			"latency": latency.String(),
		}
	}

	var version string
	if err := h.db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		version = "unknown"
	}
	return poolStatus(h.db, version, latency)
}

// GetPostgreSQLSchema returns the PostgreSQL schema DDL.
func GetPostgreSQLSchema(dimensions int) string {
	return fmt.Sprintf(`
-- Channel allow-list
CREATE TABLE IF NOT EXISTS channels (
    channel_id TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL
);

-- Persona instruction (singleton row)
CREATE TABLE IF NOT EXISTS system_instructions (
    id         TEXT PRIMARY KEY,
    content    TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

-- Knowledge chunks written by ingestion
CREATE TABLE IF NOT EXISTS documents (
    id        BIGSERIAL PRIMARY KEY,
    content   TEXT NOT NULL,
    embedding vector(%d) NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_embedding
    ON documents USING hnsw (embedding vector_cosine_ops);

-- Conversation turns
CREATE TABLE IF NOT EXISTS conversation_history (
    id         BIGSERIAL PRIMARY KEY,
    channel_id TEXT NOT NULL,
    role       TEXT NOT NULL CHECK (role IN ('user', 'model')),
    content    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_channel_created
    ON conversation_history(channel_id, created_at);
`, dimensions)
}

package backends

import (
	"database/sql"
	"time"
)

// SchemaVersion is the version recorded after a successful migration.
const SchemaVersion = 1

func poolStatus(db *sql.DB, version string, latency time.Duration) map[string]any {
	stats := db.Stats()
	return map[string]any{
		"healthy":          true,
		"version":          version,
		"latency":          latency.String(),
		"open_conns":       stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
		"wait_duration_ms": stats.WaitDuration.Milliseconds(),
		"max_open_conns":   stats.MaxOpenConnections,
	}
}

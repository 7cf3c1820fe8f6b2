package copilot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/database"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/store"
)

// OpenDatastore opens the configured backend, applies the schema when
// migrate is true, and returns the stores over it. The caller closes the
// backend.
func OpenDatastore(ctx context.Context, cfg *Config, logger *slog.Logger, migrate bool) (*database.Backend, *store.Store, error) {
	backend, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := backend.Health.Ping(ctx); err != nil {
		backend.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	if migrate {
		if err := backend.Migrator.Migrate(ctx); err != nil {
			backend.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	return backend, store.New(backend, logger), nil
}

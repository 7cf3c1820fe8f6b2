package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/copilot"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/database"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/store"
	"github.com/spf13/cobra"
)

// resolveConfig loads config from --config or auto-discovery, falling back
// to defaults. Returns (config, configPath, error); configPath is empty when
// no file was found.
func resolveConfig(cmd *cobra.Command) (*copilot.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	// Try explicit path first.
	if configPath != "" {
		cfg, err := copilot.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	// Auto-discover config file.
	if found := copilot.FindConfigFile(); found != "" {
		cfg, err := copilot.LoadConfigFromFile(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		return cfg, found, nil
	}

	return copilot.LoadDefaultConfig(), "", nil
}

// newLogger builds the process logger from the logging config and --verbose.
func newLogger(cmd *cobra.Command, cfg *copilot.Config, w io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	if verbose {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// adminEnv is the datastore handle used by the administrative commands.
type adminEnv struct {
	cfg     *copilot.Config
	logger  *slog.Logger
	backend *database.Backend
	store   *store.Store
}

func (e *adminEnv) Close() { e.backend.Close() }

// openAdmin loads config, resolves secrets and opens the datastore without
// touching Discord or Gemini. Logs go to stderr so command output stays
// clean.
func openAdmin(cmd *cobra.Command, migrate bool) (*adminEnv, error) {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg, os.Stderr)
	copilot.ResolveSecrets(cfg, logger)
	if err := cfg.Validate(false); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	backend, st, err := copilot.OpenDatastore(commandContext(cmd), cfg, logger, migrate)
	if err != nil {
		return nil, err
	}
	return &adminEnv{cfg: cfg, logger: logger, backend: backend, store: st}, nil
}

// commandContext returns the command context, or Background when unset.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

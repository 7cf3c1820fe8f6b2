package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/copilot"
	"github.com/spf13/cobra"
)

// newServeCmd creates the `discordcopilot serve` command that runs the bot.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and answer messages",
		Long: `Start the copilot: open the datastore, connect to the Discord gateway
and answer messages posted in allow-listed channels.

Examples:
  discordcopilot serve
  discordcopilot serve --config ./config.yaml -v`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	logger := newLogger(cmd, cfg, os.Stdout)
	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	}

	// ── Resolve secrets ──
	copilot.ResolveSecrets(cfg, logger)

	// ── Create context ──
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	// ── Create assistant ──
	assistant, err := copilot.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create assistant: %w", err)
	}

	// ── Start assistant (channels, scheduler, ops server) ──
	if err := assistant.Start(ctx); err != nil {
		assistant.Stop()
		return fmt.Errorf("start assistant: %w", err)
	}

	// ── Wait for shutdown ──
	logger.Info("discordcopilot running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"backend", cfg.Database.Backend,
		"model", cfg.Gemini.Generation.Model,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		assistant.Stop()
		close(done)
	}()

	limit := cfg.Pipeline.ShutdownTimeout + 10*time.Second
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(limit):
		logger.Warn("shutdown timed out, forcing exit", "after", limit)
	}

	return nil
}

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pinger checks datastore connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HistoryPruner deletes conversation turns created before a cutoff.
type HistoryPruner interface {
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
}

// HealthProbe returns a job func that pings the datastore and reports the
// result. Only transitions between up and down are logged above debug.
func HealthProbe(p Pinger, report func(up bool), logger *slog.Logger) func(ctx context.Context) error {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		mu    sync.Mutex
		known bool
		last  bool
	)
	return func(ctx context.Context) error {
		err := p.Ping(ctx)
		up := err == nil
		if report != nil {
			report(up)
		}

		mu.Lock()
		changed := !known || up != last
		known, last = true, up
		mu.Unlock()

		switch {
		case changed && up:
			logger.Info("datastore reachable")
		case changed && !up:
			logger.Error("datastore unreachable", "error", err)
		case !up:
			logger.Debug("datastore still unreachable", "error", err)
		}
		if err != nil {
			return fmt.Errorf("datastore ping: %w", err)
		}
		return nil
	}
}

// HistoryRetention returns a job func deleting turns older than maxAge.
func HistoryRetention(p HistoryPruner, maxAge time.Duration, now func() time.Time, logger *slog.Logger) func(ctx context.Context) error {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		cutoff := now().Add(-maxAge)
		n, err := p.PruneHistory(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
		if n > 0 {
			logger.Info("pruned conversation history", "turns", n, "before", cutoff.UTC().Format(time.RFC3339))
		}
		return nil
	}
}

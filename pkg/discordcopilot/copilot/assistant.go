// Package copilot wires the Discord copilot together. The Assistant is the
// explicitly constructed container for every shared client (datastore,
// Gemini services, chat channels, metrics); nothing is held in package
// state.
package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/channels"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/channels/discord"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/database"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/llm"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/memory"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/observability"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/pipeline"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/scheduler"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/store"
)

// Assistant owns the shared clients and runs the inbound message loop.
type Assistant struct {
	cfg    *Config
	logger *slog.Logger

	backend      *database.Backend
	store        *store.Store
	channelMgr   *channels.Manager
	metrics      *observability.Metrics
	orchestrator *pipeline.Orchestrator
	scheduler    *scheduler.Scheduler
	ops          *observability.Server

	// sem bounds concurrently running pipelines.
	sem   *semaphore.Weighted
	locks *channelLocks

	// runCtx outlives Stop's intake cutoff so in-flight replies can finish.
	runCtx    context.Context
	runCancel context.CancelFunc
	loopStop  context.CancelFunc
	loopDone  chan struct{}
	started   bool
	inflight  sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// Services are the external service clients of the pipeline.
type Services struct {
	Embedder  pipeline.Embedder
	Generator pipeline.Generator
}

// New opens the datastore and builds the Gemini clients and the Discord
// channel from cfg. cfg must already have its secrets resolved.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Assistant, error) {
	if err := cfg.Validate(true); err != nil {
		return nil, err
	}

	backend, _, err := OpenDatastore(ctx, cfg, logger, cfg.AutoMigrate)
	if err != nil {
		return nil, err
	}

	gen := cfg.GenerationConfig()
	client, err := llm.NewClient(ctx, gen.APIKey, gen.BaseURL)
	if err != nil {
		backend.Close()
		return nil, err
	}
	embedder, err := memory.NewGeminiEmbedder(client, cfg.Gemini.Embedding)
	if err != nil {
		backend.Close()
		return nil, err
	}

	a, err := NewWithServices(cfg, logger, backend, Services{
		Embedder:  embedder,
		Generator: llm.NewGeminiWithClient(client, gen),
	})
	if err != nil {
		backend.Close()
		return nil, err
	}

	if err := a.channelMgr.Register(discord.New(cfg.Discord, logger)); err != nil {
		backend.Close()
		return nil, err
	}
	return a, nil
}

// NewWithServices builds an Assistant over an open backend and the given
// service clients. Channels are registered by the caller.
func NewWithServices(cfg *Config, logger *slog.Logger, backend *database.Backend, svc Services) (*Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(false); err != nil {
		return nil, err
	}

	st := store.New(backend, logger)
	mgr := channels.NewManager(logger)
	metrics := observability.NewMetrics(metricsNamespace(cfg.Name))

	orch, err := pipeline.New(cfg.PipelineOptions(), pipeline.Deps{
		Auth:      st,
		Persona:   st,
		History:   st,
		Knowledge: st,
		Embedder:  svc.Embedder,
		Generator: svc.Generator,
		Sender:    mgr,
		Recorder:  metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	a := &Assistant{
		cfg:          cfg,
		logger:       logger.With("component", "assistant"),
		backend:      backend,
		store:        st,
		channelMgr:   mgr,
		metrics:      metrics,
		orchestrator: orch,
		scheduler:    scheduler.New(logger, 0),
		sem:          semaphore.NewWeighted(int64(cfg.Pipeline.MaxConcurrent)),
		locks:        newChannelLocks(),
	}
	if cfg.Ops.Enabled {
		a.ops = observability.NewServer(cfg.Ops, metrics, backend.Health, a.healthStatus, logger)
	}
	if err := a.registerJobs(); err != nil {
		return nil, err
	}
	return a, nil
}

// ChannelManager returns the channel manager.
func (a *Assistant) ChannelManager() *channels.Manager { return a.channelMgr }

// Store returns the datastore-backed stores.
func (a *Assistant) Store() *store.Store { return a.store }

// Metrics returns the Prometheus instruments.
func (a *Assistant) Metrics() *observability.Metrics { return a.metrics }

// Start connects the channels, starts maintenance jobs and the ops server,
// and begins handling inbound messages.
func (a *Assistant) Start(ctx context.Context) error {
	var err error
	a.startOnce.Do(func() { err = a.start(ctx) })
	return err
}

func (a *Assistant) start(ctx context.Context) error {
	a.runCtx, a.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	a.started = true
	if err := a.channelMgr.Start(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	if err := a.scheduler.Start(a.runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if a.ops != nil {
		if err := a.ops.Start(); err != nil {
			return fmt.Errorf("start ops server: %w", err)
		}
	}

	loopCtx, stop := context.WithCancel(ctx)
	a.loopStop = stop
	a.loopDone = make(chan struct{})
	go a.loop(loopCtx)

	a.logger.Info("assistant started",
		"max_concurrent", a.cfg.Pipeline.MaxConcurrent,
		"serialize_per_channel", a.cfg.Pipeline.SerializePerChannel,
	)
	return nil
}

// Stop stops intake, waits for running pipelines up to the shutdown
// timeout, then disconnects channels and closes the datastore.
func (a *Assistant) Stop() {
	a.stopOnce.Do(a.stop)
}

func (a *Assistant) stop() {
	if a.loopStop != nil {
		a.loopStop()
		<-a.loopDone
	}

	waited := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(a.cfg.Pipeline.ShutdownTimeout):
		a.logger.Warn("shutdown timeout reached, cancelling running pipelines")
	}
	if a.runCancel != nil {
		a.runCancel()
	}

	if a.started {
		a.channelMgr.Stop()
	}
	a.scheduler.Stop()
	if a.ops != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.ops.Shutdown(ctx)
		cancel()
	}
	if err := a.backend.Close(); err != nil {
		a.logger.Warn("closing database", "error", err)
	}
	a.logger.Info("assistant stopped")
}

// loop dispatches each inbound message to its own goroutine.
func (a *Assistant) loop(ctx context.Context) {
	defer close(a.loopDone)
	msgs := a.channelMgr.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if msg == nil || msg.FromBot {
				continue
			}
			a.inflight.Add(1)
			go func(m *channels.IncomingMessage) {
				defer a.inflight.Done()
				a.handle(m)
			}(msg)
		}
	}
}

// handle runs the pipeline for one message. The channel lock is taken
// before a concurrency slot so messages queued behind a busy channel do
// not hold slots other channels could use.
func (a *Assistant) handle(msg *channels.IncomingMessage) {
	if a.cfg.Pipeline.SerializePerChannel {
		unlock := a.locks.lock(msg.ChatID)
		defer unlock()
	}
	if err := a.sem.Acquire(a.runCtx, 1); err != nil {
		a.metrics.DroppedMessages.Inc()
		a.logger.Warn("message dropped during shutdown", "channel", msg.ChatID, "msg_id", msg.ID)
		return
	}
	defer a.sem.Release(1)
	a.orchestrator.Handle(a.runCtx, msg)
}

func (a *Assistant) registerJobs() error {
	sc := a.cfg.Scheduler
	if sc.HealthProbe != "" {
		err := a.scheduler.Add(scheduler.Job{
			ID:       "datastore-health",
			Schedule: sc.HealthProbe,
			Run:      scheduler.HealthProbe(a.backend.Health, a.metrics.SetDatastoreUp, a.logger),
		})
		if err != nil {
			return err
		}
	}
	if sc.HistoryRetention > 0 {
		schedule := sc.RetentionSchedule
		if schedule == "" {
			schedule = "@daily"
		}
		err := a.scheduler.Add(scheduler.Job{
			ID:       "history-retention",
			Schedule: schedule,
			Run:      scheduler.HistoryRetention(a.store, sc.HistoryRetention, nil, a.logger),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// healthStatus adds channel state to /healthz.
func (a *Assistant) healthStatus() map[string]any {
	out := make(map[string]any)
	for name, h := range a.channelMgr.HealthAll() {
		out[name] = map[string]any{
			"connected":       h.Connected,
			"error_count":     h.ErrorCount,
			"last_message_at": h.LastMessageAt,
		}
	}
	return map[string]any{"channels": out}
}

// metricsNamespace maps the bot name to a valid Prometheus namespace.
func metricsNamespace(name string) string {
	ns := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	ns = strings.Trim(ns, "_")
	switch {
	case ns == "":
		return "discordcopilot"
	case ns[0] >= '0' && ns[0] <= '9':
		return "discordcopilot_" + ns
	}
	return ns
}

// channelLocks is a keyed mutex. Entries are dropped when unused.
type channelLocks struct {
	mu    sync.Mutex
	locks map[string]*channelLock
}

type channelLock struct {
	mu   sync.Mutex
	refs int
}

func newChannelLocks() *channelLocks {
	return &channelLocks{locks: make(map[string]*channelLock)}
}

// lock acquires the lock for key and returns its release func.
func (l *channelLocks) lock(key string) func() {
	l.mu.Lock()
	cl, ok := l.locks[key]
	if !ok {
		cl = &channelLock{}
		l.locks[key] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *channelLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

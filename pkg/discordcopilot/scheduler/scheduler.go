// Package scheduler runs periodic maintenance jobs (datastore health probe,
// history retention) on robfig/cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultJobTimeout = 2 * time.Minute

// Job is one recurring task.
type Job struct {
	// ID is the unique job identifier.
	ID string

	// Schedule is a 5-field cron expression or a descriptor such as
	// "@every 1m" or "@daily".
	Schedule string

	// Run executes the job. The context is cancelled on timeout or Stop.
	Run func(ctx context.Context) error
}

// Scheduler manages recurring jobs.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser

	jobs []Job

	// running prevents overlapping runs of the same job.
	running map[string]bool

	jobTimeout time.Duration
	logger     *slog.Logger
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a scheduler. jobTimeout bounds a single job execution.
func New(logger *slog.Logger, jobTimeout time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	return &Scheduler{
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		running:    make(map[string]bool),
		jobTimeout: jobTimeout,
		logger:     logger.With("component", "scheduler"),
		ctx:        context.Background(),
	}
}

// Add registers a job. The schedule is validated immediately.
func (s *Scheduler) Add(job Job) error {
	if job.ID == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs an id and a run func")
	}
	if _, err := s.parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("scheduler: job %s: invalid schedule %q: %w", job.ID, job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == job.ID {
			return fmt.Errorf("scheduler: job %s already registered", job.ID)
		}
	}
	s.jobs = append(s.jobs, job)
	if s.cron != nil {
		return s.schedule(job)
	}
	return nil
}

// Start begins running registered jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithParser(s.parser))
	for _, job := range s.jobs {
		if err := s.schedule(job); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop halts the scheduler and waits briefly for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()

	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	done := c.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) schedule(job Job) error {
	_, err := s.cron.AddFunc(job.Schedule, func() { s.execute(job) })
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", job.ID, err)
	}
	return nil
}

// execute runs job once unless a previous run is still active.
func (s *Scheduler) execute(job Job) {
	s.mu.Lock()
	if s.running[job.ID] {
		s.mu.Unlock()
		s.logger.Debug("job still running, skipping", "job", job.ID)
		return
	}
	s.running[job.ID] = true
	parent := s.ctx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(parent, s.jobTimeout)
	defer cancel()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Warn("job failed", "job", job.ID, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("job completed", "job", job.ID, "duration", time.Since(start))
}

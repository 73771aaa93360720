// Package scheduler runs the background jobs of the workflow engine: the
// response poller that publishes quotes once a run has heard enough, and the
// reaper that clears expired PIN reset tokens.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"bookingflow/backend/internal/apperror"
	"bookingflow/backend/internal/repository"
	"bookingflow/backend/internal/services"
	"bookingflow/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ErrWakeQueueFull is returned by Wake when the run cannot be queued. The
// next poll picks the run up anyway.
var ErrWakeQueueFull = errors.New("scheduler: wake queue full")

const (
	wakeQueueSize = 256
	jobTimeout    = time.Minute
)

// Options configure the scheduler jobs.
type Options struct {
	// CheckInterval is how often waiting runs are polled.
	CheckInterval time.Duration
	// ReaperSpec is the cron spec of the reset token reaper. Empty disables it.
	ReaperSpec string
}

// Outcome is what a poll did to one run.
type Outcome string

const (
	OutcomeWaiting   Outcome = "waiting"
	OutcomePublished Outcome = "published"
	OutcomeFailed    Outcome = "failed"
	OutcomeFinished  Outcome = "finished"
	OutcomeSkipped   Outcome = "skipped"
)

// Scheduler polls runs and reaps expired tokens on cron schedules.
type Scheduler struct {
	engine *services.Engine
	store  repository.Repository
	logger Logger
	opts   Options

	cron *cron.Cron
	wake chan string

	// mu serializes run checks between the poll job and the wake loop.
	mu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new Scheduler.
func New(engine *services.Engine, store repository.Repository, logger Logger, opts Options) *Scheduler {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	cl := cronLogger{logger}
	return &Scheduler{
		engine: engine,
		store:  store,
		logger: logger,
		opts:   opts,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		wake: make(chan string, wakeQueueSize),
	}
}

// Start registers the jobs and starts the cron engine and the wake loop.
func (s *Scheduler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.opts.CheckInterval)
	if _, err := s.cron.AddFunc(spec, func() {
		jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
		defer cancel()
		if _, err := s.CheckResponses(jobCtx); err != nil {
			s.logger.Error("response poll failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to add response poll job: %w", err)
	}

	if s.opts.ReaperSpec != "" {
		if _, err := s.cron.AddFunc(s.opts.ReaperSpec, func() {
			jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
			defer cancel()
			if _, err := s.Reap(jobCtx); err != nil {
				s.logger.Error("reset token reaper failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("failed to add reaper job %q: %w", s.opts.ReaperSpec, err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.wakeLoop(loopCtx)

	s.cron.Start()
	s.logger.Info("scheduler started", "check_interval", s.opts.CheckInterval.String(), "reaper", s.opts.ReaperSpec)
	return nil
}

// Stop halts the cron engine, waits for running jobs and ends the wake loop.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.logger.Info("scheduler stopped")
}

// Wake queues a run for an immediate check. It never blocks.
func (s *Scheduler) Wake(runID string) error {
	select {
	case s.wake <- runID:
		return nil
	default:
		return ErrWakeQueueFull
	}
}

func (s *Scheduler) wakeLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-s.wake:
			jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
			if _, err := s.CheckRun(jobCtx, runID); err != nil {
				s.logger.Warn("run check failed", "run_id", runID, "error", err)
			}
			cancel()
		}
	}
}

// CheckResponses polls every run waiting on providers and every run with a
// selection that has not been finished yet.
func (s *Scheduler) CheckResponses(ctx context.Context) (map[string]Outcome, error) {
	outcomes := make(map[string]Outcome)
	for _, status := range []models.RunStatus{models.RunStatusWaitingResponses, models.RunStatusProcessingResponses} {
		runs, err := s.store.ListRunsByStatus(ctx, status)
		if err != nil {
			return outcomes, err
		}
		for _, run := range runs {
			outcome, err := s.check(ctx, run)
			if err != nil {
				s.logger.Warn("run check failed", "run_id", run.ID, "error", err)
				continue
			}
			outcomes[run.ID] = outcome
		}
	}
	return outcomes, nil
}

// CheckRun re-reads one run and acts on it.
func (s *Scheduler) CheckRun(ctx context.Context, runID string) (Outcome, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return OutcomeSkipped, err
	}
	return s.check(ctx, run)
}

func (s *Scheduler) check(ctx context.Context, run *models.WorkflowRun) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The listing may be stale by the time the lock is held.
	run, err := s.store.GetRun(ctx, run.ID)
	if err != nil {
		return OutcomeSkipped, err
	}

	switch run.Status {
	case models.RunStatusWaitingResponses:
		return s.checkWaiting(ctx, run)
	case models.RunStatusProcessingResponses:
		finished, err := s.engine.FinishSelected(ctx, run)
		if err != nil {
			return OutcomeSkipped, err
		}
		if finished {
			return OutcomeFinished, nil
		}
		return OutcomeWaiting, nil
	default:
		return OutcomeSkipped, nil
	}
}

// checkWaiting publishes quotes once thresholds are met or the response
// timeout has passed. A run that closes without a single quote fails.
func (s *Scheduler) checkWaiting(ctx context.Context, run *models.WorkflowRun) (Outcome, error) {
	settings := s.engine.Settings()
	th, err := s.engine.CheckThresholds(ctx, run.ID)
	if err != nil {
		return OutcomeSkipped, err
	}

	timedOut := settings.ResponseTimeout > 0 && !s.engine.Now().Before(run.StartedAt.Add(settings.ResponseTimeout))
	if !th.Ready(settings.MinResponsesRequired) && !timedOut {
		return OutcomeWaiting, nil
	}

	if th.QuotedCount == 0 {
		reason := "no provider quotes received"
		if timedOut {
			reason = "no provider quotes received before the response timeout"
		}
		if err := s.engine.MarkFailed(ctx, run.ID, reason); err != nil {
			return OutcomeSkipped, err
		}
		return OutcomeFailed, nil
	}

	published, err := s.engine.PublishQuotes(ctx, run.ID)
	switch {
	case errors.Is(err, repository.ErrQuotesAlreadyPublished):
		return OutcomeSkipped, nil
	case errors.Is(err, services.ErrNoQuotes):
		if err := s.engine.MarkFailed(ctx, run.ID, "no publishable provider quotes"); err != nil {
			return OutcomeSkipped, err
		}
		return OutcomeFailed, nil
	case err != nil:
		return OutcomeSkipped, err
	}
	s.logger.Info("run quotes published by poller", "run_id", run.ID, "quotes", len(published.Quotes),
		"responded", th.RespondedCount, "timed_out", timedOut)
	return OutcomePublished, nil
}

// Reap clears PIN reset tokens that have expired.
func (s *Scheduler) Reap(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeExpiredResetTokens(ctx, s.engine.Now())
	if err != nil {
		return 0, apperror.Internal(err, "failed to purge reset tokens")
	}
	if n > 0 {
		s.logger.Info("expired reset tokens purged", "count", n)
	}
	return n, nil
}

// cronLogger adapts the application logger to cron's logger.
type cronLogger struct {
	l Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

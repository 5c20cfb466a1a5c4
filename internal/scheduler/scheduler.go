// Package scheduler triggers import runs on a cron schedule and on demand,
// allowing a single run at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/cuongbtq/job-importer/internal/domain"
)

// Runner executes one import run
type Runner interface {
	Run(ctx context.Context, feedURL string) (*domain.RunSummary, error)
}

// StaleRunSweeper fails runs that never reached a terminal state
type StaleRunSweeper interface {
	FailStaleRuns(ctx context.Context, olderThan, now time.Time) (int64, error)
}

// Config holds scheduler settings
type Config struct {
	Cron       string
	FeedURL    string
	StaleAfter time.Duration
}

// Scheduler coalesces concurrent triggers and guards runs with a lease
type Scheduler struct {
	runner Runner
	lease  Lease
	sweep  StaleRunSweeper
	cfg    Config
	logger *slog.Logger
	cron   *cron.Cron
	group  singleflight.Group
	now    func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. Runs outlive the request that triggered them
// and are canceled only by Stop.
func New(runner Runner, lease Lease, sweep StaleRunSweeper, cfg Config, logger *slog.Logger) *Scheduler {
	cronLog := cronLogger{logger: logger.With(slog.String("component", "cron"))}
	baseCtx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		runner:  runner,
		lease:   lease,
		sweep:   sweep,
		cfg:     cfg,
		logger:  logger,
		cron:    cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog))),
		now:     time.Now,
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

// Start registers the periodic import and starts the cron loop
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Cron, s.tick); err != nil {
		return fmt.Errorf("failed to schedule import: %w", err)
	}
	s.cron.Start()

	s.logger.Info("Import scheduler started",
		slog.String("cron", s.cfg.Cron),
		slog.String("feed_url", s.cfg.FeedURL),
	)
	return nil
}

// Stop halts the cron loop, cancels running imports and waits for
// the running tick until ctx expires
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	s.cancel()

	select {
	case <-stopped.Done():
		s.logger.Info("Import scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Trigger runs an import for feedURL. Concurrent triggers for the same
// feed share one run; a run held elsewhere yields ErrRunInProgress.
func (s *Scheduler) Trigger(ctx context.Context, feedURL string) (*domain.RunSummary, error) {
	ch := s.group.DoChan(feedURL, func() (interface{}, error) {
		return s.runExclusive(feedURL)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.Debug("Joined running import", slog.String("feed_url", feedURL))
		}
		return res.Val.(*domain.RunSummary), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) runExclusive(feedURL string) (*domain.RunSummary, error) {
	token, err := s.lease.TryAcquire(s.baseCtx)
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			return nil, domain.ErrRunInProgress
		}
		return nil, err
	}
	defer func() {
		if err := s.lease.Release(context.WithoutCancel(s.baseCtx), token); err != nil {
			s.logger.Warn("Failed to release import lease", slog.String("error", err.Error()))
		}
	}()

	return s.runner.Run(s.baseCtx, feedURL)
}

// SweepStaleRuns fails runs older than the configured limit
func (s *Scheduler) SweepStaleRuns(ctx context.Context) (int64, error) {
	if s.sweep == nil || s.cfg.StaleAfter <= 0 {
		return 0, nil
	}

	now := s.now().UTC()
	n, err := s.sweep.FailStaleRuns(ctx, now.Add(-s.cfg.StaleAfter), now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale runs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Failed stale import runs", slog.Int64("count", n))
	}
	return n, nil
}

func (s *Scheduler) tick() {
	if _, err := s.SweepStaleRuns(s.baseCtx); err != nil {
		s.logger.Error("Stale run sweep failed", slog.String("error", err.Error()))
	}

	summary, err := s.Trigger(s.baseCtx, s.cfg.FeedURL)
	switch {
	case errors.Is(err, domain.ErrRunInProgress):
		s.logger.Info("Skipping scheduled import, a run is in progress")
	case err != nil:
		s.logger.Error("Scheduled import failed", slog.String("error", err.Error()))
	default:
		s.logger.Info("Scheduled import finished",
			slog.String("run_id", summary.RunID),
			slog.String("status", string(summary.Status)),
			slog.Int("total_queued", summary.TotalQueued),
		)
	}
}

// cronLogger routes cron's logr-style output to slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}

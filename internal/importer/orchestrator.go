package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/job-importer/internal/domain"
	"github.com/cuongbtq/job-importer/internal/feed"
	"github.com/cuongbtq/job-importer/internal/metrics"
)

// DefaultBatchSize bounds a single queue publish
const DefaultBatchSize = 1000

// Fetcher downloads the raw feed
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Publisher enqueues one batch of work items atomically
type Publisher interface {
	PublishBatch(ctx context.Context, items []domain.WorkItem) error
}

// Ledger records the lifecycle of an import run
type Ledger interface {
	CreateRun(ctx context.Context, feedURL string, startedAt time.Time) (*domain.ImportRun, error)
	MarkInProgress(ctx context.Context, runID string) error
	SetFetched(ctx context.Context, runID string, n int) error
	RecordFailures(ctx context.Context, runID string, failures []domain.FailedJob) error
	SealRun(ctx context.Context, runID string, queued int, now time.Time) (*domain.ImportRun, error)
	FailRun(ctx context.Context, runID, message string, now time.Time) error
}

// Archiver keeps a copy of the raw feed
type Archiver interface {
	Store(ctx context.Context, runID string, at time.Time, raw []byte) (string, error)
}

// DecodeFunc turns a raw feed into items
type DecodeFunc func(raw []byte) ([]feed.Item, error)

// Config holds orchestrator tuning
type Config struct {
	BatchSize  int
	BatchPause time.Duration
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithArchiver stores every fetched feed before decoding
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithMetrics instruments the pipeline
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithDecoder overrides feed.Decode
func WithDecoder(decode DecodeFunc) Option {
	return func(o *Orchestrator) { o.decode = decode }
}

// Orchestrator runs one import: fetch, decode, transform, enqueue
type Orchestrator struct {
	fetcher   Fetcher
	publisher Publisher
	ledger    Ledger
	archiver  Archiver
	metrics   *metrics.Metrics
	decode    DecodeFunc
	now       func() time.Time
	cfg       Config
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(fetcher Fetcher, publisher Publisher, ledger Ledger, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	o := &Orchestrator{
		fetcher:   fetcher,
		publisher: publisher,
		ledger:    ledger,
		decode:    feed.Decode,
		now:       time.Now,
		cfg:       cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the pipeline once for feedURL. Fetch and decode failures
// fail the run and are reported in the summary, not as an error. An error
// is returned only when the ledger itself cannot be updated.
func (o *Orchestrator) Run(ctx context.Context, feedURL string) (*domain.RunSummary, error) {
	startedAt := o.now().UTC()

	run, err := o.ledger.CreateRun(ctx, feedURL, startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create import run: %w", err)
	}

	logger := o.logger.With(slog.String("run_id", run.ID), slog.String("feed_url", feedURL))
	logger.Info("Import run started")

	summary := &domain.RunSummary{
		RunID:     run.ID,
		FeedURL:   feedURL,
		Status:    domain.RunStatusInProgress,
		StartedAt: run.StartedAt,
	}

	if err := o.ledger.MarkInProgress(ctx, run.ID); err != nil {
		return nil, o.abort(ctx, logger, summary, fmt.Errorf("failed to mark run in progress: %w", err))
	}

	items, stageErr := o.fetchAndDecode(ctx, logger, run.ID, feedURL)
	if stageErr != nil {
		return o.failStage(ctx, logger, summary, stageErr)
	}

	summary.TotalFetched = len(items)
	o.metrics.FeedItems(len(items))
	if err := o.ledger.SetFetched(ctx, run.ID, len(items)); err != nil {
		return nil, o.abort(ctx, logger, summary, fmt.Errorf("failed to record fetched items: %w", err))
	}

	result := Transform(items, o.now().UTC())
	summary.TotalRejected = len(result.Rejected)
	if len(result.Rejected) > 0 {
		logger.Warn("Rejected invalid feed items", slog.Int("rejected", len(result.Rejected)))
		o.metrics.Rejected(len(result.Rejected))
		if err := o.ledger.RecordFailures(ctx, run.ID, result.Rejected); err != nil {
			return nil, o.abort(ctx, logger, summary, fmt.Errorf("failed to record rejected items: %w", err))
		}
	}

	queued, err := o.enqueue(ctx, logger, run.ID, result.Records, summary)
	if err != nil {
		return nil, o.abort(ctx, logger, summary, err)
	}
	summary.TotalQueued = queued

	sealed, err := o.ledger.SealRun(ctx, run.ID, queued, o.now().UTC())
	if err != nil {
		return nil, o.abort(ctx, logger, summary, fmt.Errorf("failed to seal import run: %w", err))
	}
	summary.Status = sealed.Status
	summary.FinishedAt = sealed.FinishedAt

	o.metrics.RunFinished(string(summary.Status))
	logger.Info("Import run queued",
		slog.String("status", string(summary.Status)),
		slog.Int("total_fetched", summary.TotalFetched),
		slog.Int("total_queued", summary.TotalQueued),
		slog.Int("total_rejected", summary.TotalRejected),
		slog.Int("total_failed_to_queue", summary.TotalFailedToQueue),
	)
	return summary, nil
}

func (o *Orchestrator) fetchAndDecode(ctx context.Context, logger *slog.Logger, runID, feedURL string) ([]feed.Item, error) {
	start := time.Now()
	raw, err := o.fetcher.Fetch(ctx, feedURL)
	o.metrics.ObserveFetch(time.Since(start))
	if err != nil {
		return nil, err
	}
	logger.Info("Feed fetched", slog.Int("bytes", len(raw)), slog.Duration("took", time.Since(start)))

	if o.archiver != nil {
		key, err := o.archiver.Store(ctx, runID, o.now().UTC(), raw)
		if err != nil {
			logger.Warn("Failed to archive raw feed", slog.String("error", err.Error()))
		} else {
			logger.Debug("Raw feed archived", slog.String("key", key))
		}
	}

	items, err := o.decode(raw)
	if err != nil {
		return nil, err
	}
	logger.Info("Feed decoded", slog.Int("items", len(items)))
	return items, nil
}

// enqueue publishes records batch by batch. A rejected batch turns every
// record in it into a failure and the remaining batches still run.
func (o *Orchestrator) enqueue(ctx context.Context, logger *slog.Logger, runID string, records []domain.JobRecord, summary *domain.RunSummary) (int, error) {
	total := len(records)
	batchSize := o.cfg.BatchSize
	totalBatches := (total + batchSize - 1) / batchSize
	queued := 0

	for start := 0; start < total; start += batchSize {
		end := min(start+batchSize, total)
		batch := records[start:end]
		batchNumber := start/batchSize + 1

		items := make([]domain.WorkItem, len(batch))
		for i, record := range batch {
			items[i] = domain.WorkItem{RunID: runID, Seq: start + i + 1, Record: record}
		}

		if err := o.publisher.PublishBatch(ctx, items); err != nil {
			logger.Error("Failed to queue batch",
				slog.Int("batch", batchNumber),
				slog.Int("total_batches", totalBatches),
				slog.String("error", err.Error()),
			)

			failedAt := o.now().UTC()
			failures := make([]domain.FailedJob, len(batch))
			for i, record := range batch {
				failures[i] = domain.FailedJob{
					Record:   record.Fields(),
					Reason:   "Batch queue error: " + batchErrorMessage(err),
					FailedAt: failedAt,
				}
			}
			summary.TotalFailedToQueue += len(batch)
			o.metrics.EnqueueFailed(len(batch))

			if err := o.ledger.RecordFailures(ctx, runID, failures); err != nil {
				return queued, fmt.Errorf("failed to record queue failures: %w", err)
			}
		} else {
			queued += len(batch)
			logger.Info("Queued batch",
				slog.Int("batch", batchNumber),
				slog.Int("total_batches", totalBatches),
				slog.Int("size", len(batch)),
				slog.Int("queued", queued),
			)
		}

		if end < total && o.cfg.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return queued, fmt.Errorf("import canceled while queueing: %w", ctx.Err())
			case <-time.After(o.cfg.BatchPause):
			}
		}
	}

	return queued, nil
}

// failStage records a fetch or decode failure as a failed run
func (o *Orchestrator) failStage(ctx context.Context, logger *slog.Logger, summary *domain.RunSummary, stageErr error) (*domain.RunSummary, error) {
	logger.Error("Import run failed", slog.String("error", stageErr.Error()))

	finishedAt := o.now().UTC()
	if err := o.ledger.FailRun(context.WithoutCancel(ctx), summary.RunID, stageErr.Error(), finishedAt); err != nil {
		return nil, fmt.Errorf("failed to record run failure: %w", errors.Join(err, stageErr))
	}

	summary.Status = domain.RunStatusFailed
	summary.ErrorMessage = stageErr.Error()
	summary.FinishedAt = &finishedAt
	o.metrics.RunFinished(string(summary.Status))
	return summary, nil
}

// abort fails the run after a ledger error and returns the cause
func (o *Orchestrator) abort(ctx context.Context, logger *slog.Logger, summary *domain.RunSummary, cause error) error {
	logger.Error("Import run aborted", slog.String("error", cause.Error()))

	err := o.ledger.FailRun(context.WithoutCancel(ctx), summary.RunID, cause.Error(), o.now().UTC())
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		logger.Error("Failed to mark run as failed", slog.String("error", err.Error()))
	}
	o.metrics.RunFinished(string(domain.RunStatusFailed))
	return cause
}

func batchErrorMessage(err error) string {
	var enqErr *domain.EnqueueError
	if errors.As(err, &enqErr) && enqErr.Err != nil {
		return enqErr.Err.Error()
	}
	return err.Error()
}

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/job-importer/internal/domain"
	"github.com/cuongbtq/job-importer/internal/metrics"
)

// Store is the part of the job store the worker writes to
type Store interface {
	ImportRecord(ctx context.Context, runID string, seq int, record domain.JobRecord) (domain.UpsertOutcome, error)
	RecordItemFailure(ctx context.Context, runID string, seq int, failure domain.FailedJob) error
}

// Consumer delivers work item messages with manual acknowledgement
type Consumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Store       Store
	Consumer    Consumer
	Metrics     *metrics.Metrics
	WorkerID    string
	Concurrency int
	ItemTimeout time.Duration
}

// message is a decoded delivery handed to the pool
type message struct {
	item     domain.WorkItem
	delivery amqp.Delivery
}

// Worker consumes work items and persists them concurrently
type Worker struct {
	logger      *slog.Logger
	store       Store
	consumer    Consumer
	metrics     *metrics.Metrics
	workerID    string
	concurrency int
	itemTimeout time.Duration
	jobsChan    chan message
	wg          sync.WaitGroup
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 20
	}
	itemTimeout := cfg.ItemTimeout
	if itemTimeout <= 0 {
		itemTimeout = 30 * time.Second
	}

	return &Worker{
		logger:      cfg.Logger.With(slog.String("worker_id", workerID)),
		store:       cfg.Store,
		consumer:    cfg.Consumer,
		metrics:     cfg.Metrics,
		workerID:    workerID,
		concurrency: concurrency,
		itemTimeout: itemTimeout,
		jobsChan:    make(chan message),
		stopChan:    make(chan struct{}),
	}
}

// Start consumes until ctx is canceled, Stop is called or the delivery
// channel closes, then waits for in-flight items to settle.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("item_timeout", w.itemTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	w.spawnWorkerPool()
	w.startMessageDispatcher(ctx, deliveries)

	if err := w.consumer.Cancel(w.workerID); err != nil {
		w.logger.Warn("Failed to cancel consumer", slog.Any("error", err))
	}

	close(w.jobsChan)
	w.wg.Wait()

	w.logger.Info("Worker stopped")
	return nil
}

// Stop asks the dispatcher to stop; Start returns once in-flight items settle
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
}

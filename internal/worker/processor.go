package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/job-importer/internal/domain"
)

// processingErrorPrefix tags sample entries of items the store could not persist
const processingErrorPrefix = "Processing error: "

// processItem persists one work item and returns nil when the delivery
// can be acknowledged. A RetryableError asks for a requeue.
func (w *Worker) processItem(msg message) error {
	start := time.Now()
	w.metrics.WorkerStarted()
	defer w.metrics.WorkerDone()

	// Settle in-flight items even when shutdown cancels the consumer
	ctx, cancel := context.WithTimeout(context.Background(), w.itemTimeout)
	defer cancel()

	item := msg.item
	logger := w.logger.With(
		slog.String("run_id", item.RunID),
		slog.String("job_id", item.Record.JobID),
		slog.Int("seq", item.Seq),
	)

	if err := item.Record.Validate(); err != nil {
		logger.Warn("Rejecting invalid work item", slog.String("error", err.Error()))
		return w.recordFailure(ctx, item, err.Error(), start)
	}

	outcome, err := w.store.ImportRecord(ctx, item.RunID, item.Seq, item.Record)
	if err == nil {
		w.metrics.ItemProcessed(string(outcome), time.Since(start))
		logger.Debug("Work item imported", slog.String("outcome", string(outcome)))
		return nil
	}

	if errors.Is(err, domain.ErrRunNotFound) {
		logger.Error("Import run not found, dropping work item")
		return err
	}

	if !msg.delivery.Redelivered {
		logger.Warn("Failed to import work item, requeueing", slog.String("error", err.Error()))
		return domain.NewRetryableError(err)
	}

	logger.Error("Failed to import redelivered work item", slog.String("error", err.Error()))
	return w.recordFailure(ctx, item, processingErrorPrefix+err.Error(), start)
}

// recordFailure counts the item as failed on its run. If even that write
// fails the item is requeued so the run can still complete.
func (w *Worker) recordFailure(ctx context.Context, item domain.WorkItem, reason string, start time.Time) error {
	failure := domain.FailedJob{
		Record:   item.Record.Fields(),
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	}

	if err := w.store.RecordItemFailure(ctx, item.RunID, item.Seq, failure); err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			return err
		}
		return domain.NewRetryableError(fmt.Errorf("failed to record item failure: %w", err))
	}

	w.metrics.ItemProcessed(string(domain.OutcomeFailed), time.Since(start))
	return nil
}

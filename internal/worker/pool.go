package worker

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/job-importer/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool() {
	w.logger.Info("Spawning worker pool", slog.Int("concurrency", w.concurrency))

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(i)
	}
}

// workerLoop processes messages until the dispatcher closes jobsChan.
// In-flight items always finish, so shutdown never abandons an unsettled delivery.
func (w *Worker) workerLoop(workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	for msg := range w.jobsChan {
		err := w.processItem(msg)

		if err != nil {
			requeue := shouldRequeue(err)
			w.logger.Warn("Work item not settled",
				slog.String("worker_name", workerName),
				slog.String("run_id", msg.item.RunID),
				slog.String("job_id", msg.item.Record.JobID),
				slog.Bool("requeue", requeue),
				slog.String("error", err.Error()),
			)

			if nackErr := msg.delivery.Nack(false, requeue); nackErr != nil {
				w.logger.Error("Failed to NACK message",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.item.Record.JobID),
					slog.String("error", nackErr.Error()),
				)
			}
			continue
		}

		if ackErr := msg.delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.item.Record.JobID),
				slog.String("error", ackErr.Error()),
			)
		}
	}

	w.logger.Debug("Worker goroutine stopping - jobsChan closed", slog.String("worker_name", workerName))
}

// shouldRequeue determines if a message should be requeued based on the error type
func shouldRequeue(err error) bool {
	// The run is gone; park the message in the dead letter queue
	if errors.Is(err, domain.ErrRunNotFound) {
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}

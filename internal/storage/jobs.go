package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/job-importer/internal/domain"
)

// upsertJob merges by job_id. A conflicting row is only rewritten when some
// field differs, so RETURNING yields no row for identical content.
const upsertJob = `
	INSERT INTO jobs (
		job_id, title, company, location, type,
		description, link, published_at, revision, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	ON CONFLICT (job_id) DO UPDATE SET
		title = excluded.title,
		company = excluded.company,
		location = excluded.location,
		type = excluded.type,
		description = excluded.description,
		link = excluded.link,
		published_at = excluded.published_at,
		revision = jobs.revision + 1,
		updated_at = excluded.updated_at
	WHERE jobs.title <> excluded.title
		OR jobs.company <> excluded.company
		OR jobs.location <> excluded.location
		OR jobs.type <> excluded.type
		OR jobs.description <> excluded.description
		OR jobs.link <> excluded.link
		OR jobs.published_at <> excluded.published_at
	RETURNING revision`

// claimItem marks item seq of a run as settled. It reports false when an
// earlier delivery of the same item already settled it.
func claimItem(ctx context.Context, tx *sqlx.Tx, runID string, seq int, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO import_run_items (run_id, seq, settled_at)
		VALUES (?, ?, ?)
		ON CONFLICT (run_id, seq) DO NOTHING
	`), runID, seq, now)
	if err != nil {
		return false, fmt.Errorf("claim work item %d: %w", seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim work item %d: %w", seq, err)
	}
	return n == 1, nil
}

// ImportRecord upserts queued item seq and settles it on its run in the same
// transaction. Each item is settled at most once per run: a redelivery of an
// item that already settled, as imported or as failed, returns
// OutcomeDuplicate and changes nothing.
func (s *Store) ImportRecord(ctx context.Context, runID string, seq int, record domain.JobRecord) (domain.UpsertOutcome, error) {
	var outcome domain.UpsertOutcome

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := timestamp(s.now())

		claimed, err := claimItem(ctx, tx, runID, seq, now)
		if err != nil {
			return &domain.PersistenceError{JobID: record.JobID, Err: err}
		}
		if !claimed {
			outcome = domain.OutcomeDuplicate
			return nil
		}

		var revision int
		err = tx.QueryRowxContext(ctx, tx.Rebind(upsertJob),
			record.JobID,
			record.Title,
			record.Company,
			record.Location,
			record.Type,
			record.Description,
			record.Link,
			timestamp(record.PublishedAt),
			now,
			now,
		).Scan(&revision)

		var newJobs, updatedJobs, unchangedJobs int
		switch {
		case errors.Is(err, sql.ErrNoRows):
			outcome = domain.OutcomeUnchanged
			unchangedJobs = 1
		case err != nil:
			return &domain.PersistenceError{JobID: record.JobID, Err: err}
		case revision == 1:
			outcome = domain.OutcomeNew
			newJobs = 1
		default:
			outcome = domain.OutcomeUpdated
			updatedJobs = 1
		}

		query := tx.Rebind(`
			UPDATE import_runs
			SET new_jobs = new_jobs + ?,
				updated_jobs = updated_jobs + ?,
				unchanged_jobs = unchanged_jobs + ?,
				total_imported = total_imported + ?,
				processed_count = processed_count + 1,
				updated_at = ?,` + fmt.Sprintf(completeWhenDone, "processed_count + 1") + `
			WHERE id = ?
		`)
		res, err := tx.ExecContext(ctx, query,
			newJobs, updatedJobs, unchangedJobs, newJobs+updatedJobs, now, now, runID,
		)
		if err != nil {
			return &domain.PersistenceError{JobID: record.JobID, Err: fmt.Errorf("update run counters: %w", err)}
		}
		return requireRow(res)
	})
	if err != nil {
		return domain.OutcomeFailed, err
	}
	return outcome, nil
}

// RecordItemFailure settles queued item seq as failed. An item that
// already settled is left as it is.
func (s *Store) RecordItemFailure(ctx context.Context, runID string, seq int, failure domain.FailedJob) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := timestamp(s.now())

		claimed, err := claimItem(ctx, tx, runID, seq, now)
		if err != nil {
			return fmt.Errorf("failed to record item failure: %w", err)
		}
		if !claimed {
			return nil
		}

		query := tx.Rebind(`
			UPDATE import_runs
			SET total_failed = total_failed + 1,
				processed_count = processed_count + 1,
				updated_at = ?,` + fmt.Sprintf(completeWhenDone, "processed_count + 1") + `
			WHERE id = ?
		`)
		res, err := tx.ExecContext(ctx, query, now, now, runID)
		if err != nil {
			return fmt.Errorf("failed to record item failure: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}

		if failure.FailedAt.IsZero() {
			failure.FailedAt = now
		}
		return s.appendFailures(ctx, tx, runID, []domain.FailedJob{failure})
	})
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/job-importer/internal/domain"
)

// StaleRunMessage is written to runs failed by FailStaleRuns
const StaleRunMessage = "run timed out"

const runColumns = `
	r.id, r.feed_url, r.status, r.started_at, r.finished_at,
	r.total_fetched, r.total_queued, r.total_imported, r.total_failed,
	r.new_jobs, r.updated_jobs, r.unchanged_jobs, r.processed_count,
	r.error_message, r.created_at, r.updated_at,
	(SELECT COUNT(*) FROM import_run_failures f WHERE f.run_id = r.id) AS failed_jobs_count`

// completeWhenDone settles a sealed run once every queued item is processed.
// The first placeholder is the processed_count the row will hold after the
// update, the second is the finish time.
const completeWhenDone = `
	status = CASE
		WHEN status IN ('pending', 'in_progress') AND total_queued IS NOT NULL AND %[1]s >= total_queued
		THEN 'completed' ELSE status END,
	finished_at = CASE
		WHEN status IN ('pending', 'in_progress') AND total_queued IS NOT NULL AND %[1]s >= total_queued
		THEN ? ELSE finished_at END`

// CreateRun inserts a pending run with zeroed counters
func (s *Store) CreateRun(ctx context.Context, feedURL string, startedAt time.Time) (*domain.ImportRun, error) {
	startedAt = timestamp(startedAt)
	run := &domain.ImportRun{
		ID:        uuid.NewString(),
		FeedURL:   feedURL,
		Status:    domain.RunStatusPending,
		StartedAt: startedAt,
		CreatedAt: startedAt,
		UpdatedAt: startedAt,
	}

	query := s.db.Rebind(`
		INSERT INTO import_runs (id, feed_url, status, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.FeedURL, run.Status, run.StartedAt, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create import run: %w", err)
	}

	s.logger.Debug("Import run created",
		slog.String("run_id", run.ID),
		slog.String("feed_url", feedURL),
	)
	return run, nil
}

// MarkInProgress moves a pending run to in_progress
func (s *Store) MarkInProgress(ctx context.Context, runID string) error {
	query, args, err := s.transitionQuery(`
		UPDATE import_runs
		SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?)
	`, domain.RunStatusInProgress, timestamp(s.now()), runID, sourceStatuses(domain.RunStatusInProgress))
	if err != nil {
		return fmt.Errorf("failed to mark run in progress: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark run in progress: %w", err)
	}
	return s.checkTransition(ctx, s.db, res, runID, domain.RunStatusInProgress)
}

// SetFetched records how many items the feed contained
func (s *Store) SetFetched(ctx context.Context, runID string, n int) error {
	query := s.db.Rebind(`
		UPDATE import_runs
		SET total_fetched = ?, updated_at = ?
		WHERE id = ?
	`)
	res, err := s.db.ExecContext(ctx, query, n, timestamp(s.now()), runID)
	if err != nil {
		return fmt.Errorf("failed to set total_fetched: %w", err)
	}
	return requireRow(res)
}

// SealRun records how many items were queued. The run completes now when
// nothing is outstanding; otherwise the last settled item completes it.
func (s *Store) SealRun(ctx context.Context, runID string, queued int, now time.Time) (*domain.ImportRun, error) {
	now = timestamp(now)
	query := s.db.Rebind(`
		UPDATE import_runs
		SET total_queued = ?,
			updated_at = ?,
			status = CASE
				WHEN status IN ('pending', 'in_progress') AND processed_count >= ?
				THEN 'completed' ELSE status END,
			finished_at = CASE
				WHEN status IN ('pending', 'in_progress') AND processed_count >= ?
				THEN ? ELSE finished_at END
		WHERE id = ? AND total_queued IS NULL
	`)
	res, err := s.db.ExecContext(ctx, query, queued, now, queued, queued, now, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to seal import run: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to seal import run: %w", err)
	}

	run, err := s.getRun(ctx, runID, false)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("run %s already sealed: %w", runID, domain.ErrInvalidTransition)
	}
	return run, nil
}

// FailRun moves a non-terminal run to failed with a message
func (s *Store) FailRun(ctx context.Context, runID, message string, now time.Time) error {
	now = timestamp(now)
	query, args, err := s.transitionQuery(`
		UPDATE import_runs
		SET status = ?, error_message = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?)
	`, domain.RunStatusFailed, message, now, now, runID, sourceStatuses(domain.RunStatusFailed))
	if err != nil {
		return fmt.Errorf("failed to fail import run: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to fail import run: %w", err)
	}
	return s.checkTransition(ctx, s.db, res, runID, domain.RunStatusFailed)
}

// FailStaleRuns fails runs that started before olderThan and never settled
func (s *Store) FailStaleRuns(ctx context.Context, olderThan, now time.Time) (int64, error) {
	now = timestamp(now)
	query, args, err := s.transitionQuery(`
		UPDATE import_runs
		SET status = ?, error_message = ?, finished_at = ?, updated_at = ?
		WHERE status IN (?) AND started_at < ?
	`, domain.RunStatusFailed, StaleRunMessage, now, now, sourceStatuses(domain.RunStatusFailed), timestamp(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale runs: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale runs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale runs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Failed stale import runs", slog.Int64("count", n))
	}
	return n, nil
}

// RecordFailures adds records that never reached the queue to the run
func (s *Store) RecordFailures(ctx context.Context, runID string, failures []domain.FailedJob) error {
	if len(failures) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`
			UPDATE import_runs
			SET total_failed = total_failed + ?, updated_at = ?
			WHERE id = ?
		`)
		res, err := tx.ExecContext(ctx, query, len(failures), timestamp(s.now()), runID)
		if err != nil {
			return fmt.Errorf("failed to count failures: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		return s.appendFailures(ctx, tx, runID, failures)
	})
}

// appendFailures inserts entries and keeps only the newest MaxFailedJobs for
// the run. Callers must already hold the run row lock.
func (s *Store) appendFailures(ctx context.Context, tx *sqlx.Tx, runID string, failures []domain.FailedJob) error {
	if len(failures) > domain.MaxFailedJobs {
		failures = failures[len(failures)-domain.MaxFailedJobs:]
	}

	insert := tx.Rebind(`
		INSERT INTO import_run_failures (run_id, record, reason, failed_at)
		VALUES (?, ?, ?, ?)
	`)
	for _, f := range failures {
		record, err := json.Marshal(f.Record)
		if err != nil {
			return fmt.Errorf("failed to encode failed record: %w", err)
		}
		failedAt := f.FailedAt
		if failedAt.IsZero() {
			failedAt = s.now()
		}
		if _, err := tx.ExecContext(ctx, insert, runID, string(record), f.Reason, timestamp(failedAt)); err != nil {
			return fmt.Errorf("failed to append failed job: %w", err)
		}
	}

	trim := tx.Rebind(fmt.Sprintf(`
		DELETE FROM import_run_failures
		WHERE run_id = ? AND id NOT IN (
			SELECT id FROM import_run_failures
			WHERE run_id = ?
			ORDER BY id DESC
			LIMIT %d
		)
	`, domain.MaxFailedJobs))
	if _, err := tx.ExecContext(ctx, trim, runID, runID); err != nil {
		return fmt.Errorf("failed to trim failure sample: %w", err)
	}
	return nil
}

// GetRun returns a run with its failure sample, oldest entry first
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.ImportRun, error) {
	return s.getRun(ctx, runID, true)
}

func (s *Store) getRun(ctx context.Context, runID string, withFailures bool) (*domain.ImportRun, error) {
	query := s.db.Rebind(`SELECT ` + runColumns + ` FROM import_runs r WHERE r.id = ?`)

	var run domain.ImportRun
	if err := s.db.GetContext(ctx, &run, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get import run: %w", err)
	}

	if !withFailures {
		return &run, nil
	}

	failures, err := s.listFailures(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.FailedJobs = failures
	return &run, nil
}

type failureRow struct {
	Record   string    `db:"record"`
	Reason   string    `db:"reason"`
	FailedAt time.Time `db:"failed_at"`
}

func (s *Store) listFailures(ctx context.Context, runID string) ([]domain.FailedJob, error) {
	query := s.db.Rebind(`
		SELECT record, reason, failed_at
		FROM import_run_failures
		WHERE run_id = ?
		ORDER BY id ASC
	`)

	var rows []failureRow
	if err := s.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}

	failures := make([]domain.FailedJob, 0, len(rows))
	for _, row := range rows {
		var record map[string]string
		if err := json.Unmarshal([]byte(row.Record), &record); err != nil {
			return nil, fmt.Errorf("failed to decode failed record: %w", err)
		}
		failures = append(failures, domain.FailedJob{
			Record:   record,
			Reason:   row.Reason,
			FailedAt: row.FailedAt,
		})
	}
	return failures, nil
}

// sortColumns whitelists ListRuns ordering
var sortColumns = map[string]string{
	"created_at":        "r.created_at",
	"started_at":        "r.started_at",
	"finished_at":       "r.finished_at",
	"total_fetched":     "r.total_fetched",
	"total_imported":    "r.total_imported",
	"total_failed":      "r.total_failed",
	"new_jobs":          "r.new_jobs",
	"updated_jobs":      "r.updated_jobs",
	"failed_jobs_count": "failed_jobs_count",
}

// IsSortable reports whether ListRuns can order by field
func IsSortable(field string) bool {
	_, ok := sortColumns[field]
	return ok
}

// ListRuns returns one page of runs and the total number of matches
func (s *Store) ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.ImportRun, int, error) {
	var (
		where []string
		args  []interface{}
	)

	if filter.StartDate != nil {
		where = append(where, "r.created_at >= ?")
		args = append(args, timestamp(*filter.StartDate))
	}
	if filter.EndDate != nil {
		where = append(where, "r.created_at <= ?")
		args = append(args, timestamp(*filter.EndDate))
	}
	switch filter.Outcome {
	case domain.RunOutcomeSuccess:
		where = append(where, "NOT EXISTS (SELECT 1 FROM import_run_failures f WHERE f.run_id = r.id)")
	case domain.RunOutcomeFailed:
		where = append(where, "EXISTS (SELECT 1 FROM import_run_failures f WHERE f.run_id = r.id)")
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := s.db.Rebind(`SELECT COUNT(*) FROM import_runs r` + whereClause)
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count import runs: %w", err)
	}

	column, ok := sortColumns[filter.SortBy]
	if !ok {
		column = sortColumns["created_at"]
	}
	direction := "ASC"
	if filter.SortDesc {
		direction = "DESC"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}

	query := s.db.Rebind(fmt.Sprintf(
		`SELECT %s FROM import_runs r%s ORDER BY %s %s, r.id %s LIMIT ? OFFSET ?`,
		runColumns, whereClause, column, direction, direction,
	))
	pageArgs := append(append([]interface{}{}, args...), limit, (page-1)*limit)

	runs := []domain.ImportRun{}
	if err := s.db.SelectContext(ctx, &runs, query, pageArgs...); err != nil {
		return nil, 0, fmt.Errorf("failed to list import runs: %w", err)
	}

	return runs, total, nil
}

// allStatuses is every state a run can be in
var allStatuses = []domain.RunStatus{
	domain.RunStatusPending,
	domain.RunStatusInProgress,
	domain.RunStatusCompleted,
	domain.RunStatusFailed,
}

// sourceStatuses lists the states a run may leave to reach next
func sourceStatuses(next domain.RunStatus) []domain.RunStatus {
	var from []domain.RunStatus
	for _, status := range allStatuses {
		if status.CanTransitionTo(next) {
			from = append(from, status)
		}
	}
	return from
}

// transitionQuery expands the status list placeholder and rebinds for the dialect
func (s *Store) transitionQuery(query string, args ...interface{}) (string, []interface{}, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return s.db.Rebind(query), args, nil
}

// checkTransition turns a no-op status update into ErrRunNotFound or ErrInvalidTransition
func (s *Store) checkTransition(ctx context.Context, q sqlx.QueryerContext, res sql.Result, runID string, next domain.RunStatus) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var current domain.RunStatus
	err = sqlx.GetContext(ctx, q, &current, s.db.Rebind(`SELECT status FROM import_runs WHERE id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check import run: %w", err)
	}
	return fmt.Errorf("run %s is %s, cannot move to %s: %w", runID, current, next, domain.ErrInvalidTransition)
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

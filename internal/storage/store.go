package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/job-importer/internal/domain"
)

// Supported SQL dialects, named after their database/sql driver
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Store persists job records and the import run ledger. Queries are written
// with ? placeholders and rebound for the connected driver.
type Store struct {
	db      *sqlx.DB
	dialect string
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source used for updated_at stamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a Store on an open connection pool
func NewStore(db *sqlx.DB, logger *slog.Logger, opts ...Option) (*Store, error) {
	dialect := db.DriverName()
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dialect returns the SQL dialect in use
func (s *Store) Dialect() string {
	return s.dialect
}

// timestamp normalizes times to the precision both dialects store
func timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// withTx runs fn in a transaction and commits when it returns nil
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("Failed to rollback transaction", slog.Any("error", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetJob returns a stored job record
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	query := s.db.Rebind(`
		SELECT job_id, title, company, location, type, description, link, published_at
		FROM jobs
		WHERE job_id = ?
	`)

	var job domain.JobRecord
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %q: %w", jobID, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// JobRevision returns how many times a job has been written with new content
func (s *Store) JobRevision(ctx context.Context, jobID string) (int, error) {
	var revision int
	err := s.db.GetContext(ctx, &revision, s.db.Rebind(`SELECT revision FROM jobs WHERE job_id = ?`), jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to get job revision: %w", err)
	}
	return revision, nil
}

// CountJobs returns the number of stored job records
func (s *Store) CountJobs(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM jobs`); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// HealthCheck verifies the store answers queries
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.GetContext(ctx, &one, `SELECT 1`); err != nil {
		return fmt.Errorf("store health check failed: %w", err)
	}
	return nil
}

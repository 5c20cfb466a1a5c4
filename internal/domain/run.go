package domain

import (
	"time"
)

// RunStatus is the lifecycle state of an import run
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// MaxFailedJobs caps the failure sample kept per run
const MaxFailedJobs = 100

// IsTerminal reports whether no further transition is allowed
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// CanTransitionTo enforces pending -> in_progress -> {completed, failed}.
// A pending run may also fail or complete directly.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusInProgress || next.IsTerminal()
	case RunStatusInProgress:
		return next.IsTerminal()
	default:
		return false
	}
}

// FailedJob is one entry of the bounded failure sample
type FailedJob struct {
	Record   map[string]string `json:"record"`
	Reason   string            `json:"reason"`
	FailedAt time.Time         `json:"failed_at"`
}

// ImportRun is the ledger entry of one pipeline execution
type ImportRun struct {
	ID            string     `json:"id" db:"id"`
	FeedURL       string     `json:"feed_url" db:"feed_url"`
	Status        RunStatus  `json:"status" db:"status"`
	StartedAt     time.Time  `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time `json:"finished_at" db:"finished_at"`
	TotalFetched  int        `json:"total_fetched" db:"total_fetched"`
	TotalQueued   *int       `json:"total_queued" db:"total_queued"`
	TotalImported int        `json:"total_imported" db:"total_imported"`
	TotalFailed   int        `json:"total_failed" db:"total_failed"`
	NewJobs       int        `json:"new_jobs" db:"new_jobs"`
	UpdatedJobs   int        `json:"updated_jobs" db:"updated_jobs"`
	UnchangedJobs int        `json:"unchanged_jobs" db:"unchanged_jobs"`
	Processed     int        `json:"processed_count" db:"processed_count"`
	ErrorMessage  *string    `json:"error_message" db:"error_message"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`

	FailedJobsCount int         `json:"failed_jobs_count" db:"failed_jobs_count"`
	FailedJobs      []FailedJob `json:"failed_jobs,omitempty" db:"-"`
}

// Duration is zero until the run reaches a terminal state
func (r *ImportRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunSummary is returned by a trigger of the orchestrator
type RunSummary struct {
	RunID              string     `json:"run_id"`
	FeedURL            string     `json:"feed_url"`
	Status             RunStatus  `json:"status"`
	TotalFetched       int        `json:"total_fetched"`
	TotalQueued        int        `json:"total_queued"`
	TotalRejected      int        `json:"total_rejected"`
	TotalFailedToQueue int        `json:"total_failed_to_queue"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// RunFilter selects import runs for the history listing
type RunFilter struct {
	Page      int
	Limit     int
	StartDate *time.Time
	EndDate   *time.Time
	Outcome   string // "success", "failed" or empty
	SortBy    string
	SortDesc  bool
}

// RunOutcome values of RunFilter.Outcome
const (
	RunOutcomeSuccess = "success"
	RunOutcomeFailed  = "failed"
)

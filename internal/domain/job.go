package domain

import (
	"strings"
	"time"
)

// Defaults substituted by the transformer when a feed item omits a field
const (
	DefaultCompany  = "Unknown"
	DefaultLocation = "Remote"
	DefaultJobType  = "Full-time"

	// MaxJobIDLength matches the jobs.job_id column width
	MaxJobIDLength = 255
)

// JobRecord is the canonical job listing persisted to the jobs table
type JobRecord struct {
	JobID       string    `json:"job_id" db:"job_id"`
	Title       string    `json:"title" db:"title"`
	Company     string    `json:"company" db:"company"`
	Location    string    `json:"location" db:"location"`
	Type        string    `json:"type" db:"type"`
	Description string    `json:"description" db:"description"`
	Link        string    `json:"link" db:"link"`
	PublishedAt time.Time `json:"published_at" db:"published_at"`
}

// Validate checks the fields a stored record cannot live without
func (r JobRecord) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return NewValidationError("job_id", "job_id is required")
	}
	if len(r.JobID) > MaxJobIDLength {
		return NewValidationError("job_id", "job_id exceeds 255 characters")
	}
	if strings.TrimSpace(r.Title) == "" {
		return NewValidationError("title", "title is required")
	}
	return nil
}

// Fields flattens the record for the failure sample
func (r JobRecord) Fields() map[string]string {
	return map[string]string{
		"job_id":       r.JobID,
		"title":        r.Title,
		"company":      r.Company,
		"location":     r.Location,
		"type":         r.Type,
		"description":  r.Description,
		"link":         r.Link,
		"published_at": r.PublishedAt.UTC().Format(time.RFC3339),
	}
}

// UpsertOutcome classifies an idempotent merge by job_id
type UpsertOutcome string

const (
	OutcomeNew       UpsertOutcome = "new"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
	OutcomeFailed    UpsertOutcome = "failed"
	// OutcomeDuplicate marks a redelivered item its run already settled
	OutcomeDuplicate UpsertOutcome = "duplicate"
)

// WorkItem is the unit carried by the work queue. Seq numbers the item
// within its run, starting at 1, so a redelivery settles at most once.
type WorkItem struct {
	RunID  string    `json:"run_id"`
	Seq    int       `json:"seq"`
	Record JobRecord `json:"record"`
}

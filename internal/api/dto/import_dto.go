package dto

import (
	"time"

	"github.com/cuongbtq/job-importer/internal/domain"
)

type TriggerImportRequest struct {
	FeedURL string `json:"feed_url"`
}

type ListImportsRequest struct {
	Page      int    `form:"page"`
	Limit     int    `form:"limit"`
	StartDate string `form:"start_date"`
	EndDate   string `form:"end_date"`
	Status    string `form:"status"`
	SortBy    string `form:"sort_by"`
	SortOrder string `form:"sort_order"`
}

type ListImportsResponse struct {
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	Total      int            `json:"total"`
	TotalPages int            `json:"total_pages"`
	Data       []ImportRunDTO `json:"data"`
}

type FailedJobDTO struct {
	Record   map[string]string `json:"record"`
	Reason   string            `json:"reason"`
	FailedAt string            `json:"failed_at"`
}

type ImportRunDTO struct {
	ID              string         `json:"id"`
	FeedURL         string         `json:"feed_url"`
	Status          string         `json:"status"`
	TotalFetched    int            `json:"total_fetched"`
	TotalQueued     *int           `json:"total_queued"`
	TotalImported   int            `json:"total_imported"`
	TotalFailed     int            `json:"total_failed"`
	NewJobs         int            `json:"new_jobs"`
	UpdatedJobs     int            `json:"updated_jobs"`
	UnchangedJobs   int            `json:"unchanged_jobs"`
	FailedJobsCount int            `json:"failed_jobs_count"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	StartedAt       string         `json:"started_at"`
	FinishedAt      *string        `json:"finished_at"`
	DurationMs      *int64         `json:"duration_ms"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
	FailedJobs      []FailedJobDTO `json:"failed_jobs,omitempty"`
}

// FromRun converts a ledger entry for the API
func FromRun(run *domain.ImportRun) ImportRunDTO {
	out := ImportRunDTO{
		ID:              run.ID,
		FeedURL:         run.FeedURL,
		Status:          string(run.Status),
		TotalFetched:    run.TotalFetched,
		TotalQueued:     run.TotalQueued,
		TotalImported:   run.TotalImported,
		TotalFailed:     run.TotalFailed,
		NewJobs:         run.NewJobs,
		UpdatedJobs:     run.UpdatedJobs,
		UnchangedJobs:   run.UnchangedJobs,
		FailedJobsCount: run.FailedJobsCount,
		ErrorMessage:    run.ErrorMessage,
		StartedAt:       run.StartedAt.UTC().Format(time.RFC3339),
		CreatedAt:       run.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       run.UpdatedAt.UTC().Format(time.RFC3339),
	}

	if run.FinishedAt != nil {
		finished := run.FinishedAt.UTC().Format(time.RFC3339)
		duration := run.Duration().Milliseconds()
		out.FinishedAt = &finished
		out.DurationMs = &duration
	}

	if len(run.FailedJobs) > 0 {
		out.FailedJobs = make([]FailedJobDTO, len(run.FailedJobs))
		for i, f := range run.FailedJobs {
			out.FailedJobs[i] = FailedJobDTO{
				Record:   f.Record,
				Reason:   f.Reason,
				FailedAt: f.FailedAt.UTC().Format(time.RFC3339),
			}
		}
	}

	return out
}

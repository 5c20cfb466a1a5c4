package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/job-importer/internal/api/dto"
	"github.com/cuongbtq/job-importer/internal/domain"
	"github.com/cuongbtq/job-importer/internal/storage"
)

const (
	defaultPage  = 1
	defaultLimit = 10
	maxLimit     = 100
	dateOnly     = "2006-01-02"
)

// TriggerImport handles POST /api/v1/imports
// Runs an import and returns its summary, even when the run failed
func (h *ImportHandler) TriggerImport(c *gin.Context) {
	var req dto.TriggerImportRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	feedURL := strings.TrimSpace(req.FeedURL)
	if feedURL == "" {
		feedURL = h.defaultFeedURL
	}
	if err := validateFeedURL(feedURL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	h.logger.Info("TriggerImport called", slog.String("feed_url", feedURL))

	summary, err := h.trigger.Trigger(c.Request.Context(), feedURL)
	if err != nil {
		if errors.Is(err, domain.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "An import run is already in progress",
			})
			return
		}
		h.logger.Error("Failed to run import", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to run import",
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// ListImports handles GET /api/v1/imports
// Lists import runs with date range, outcome filter, sorting and pagination
func (h *ImportHandler) ListImports(c *gin.Context) {
	var req dto.ListImportsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	filter, err := buildRunFilter(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	runs, total, err := h.runs.ListRuns(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list import runs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list import runs",
		})
		return
	}

	data := make([]dto.ImportRunDTO, len(runs))
	for i := range runs {
		data[i] = dto.FromRun(&runs[i])
	}

	c.JSON(http.StatusOK, dto.ListImportsResponse{
		Page:       filter.Page,
		Limit:      filter.Limit,
		Total:      total,
		TotalPages: (total + filter.Limit - 1) / filter.Limit,
		Data:       data,
	})
}

// GetImport handles GET /api/v1/imports/:run_id
// Returns one run with its failure sample
func (h *ImportHandler) GetImport(c *gin.Context) {
	runID := c.Param("run_id")

	if _, err := uuid.Parse(runID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "run_id must be a valid UUID",
		})
		return
	}

	run, err := h.runs.GetRun(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Import run not found",
			})
			return
		}
		h.logger.Error("Failed to get import run", slog.String("run_id", runID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get import run",
		})
		return
	}

	c.JSON(http.StatusOK, dto.FromRun(run))
}

func validateFeedURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("feed_url must be an absolute http(s) URL")
	}
	return nil
}

func buildRunFilter(req dto.ListImportsRequest) (domain.RunFilter, error) {
	filter := domain.RunFilter{
		Page:     req.Page,
		Limit:    req.Limit,
		SortBy:   "created_at",
		SortDesc: true,
	}

	if filter.Page == 0 {
		filter.Page = defaultPage
	}
	if filter.Page < 0 {
		return filter, fmt.Errorf("page must be a positive integer")
	}
	if filter.Limit == 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit < 0 {
		return filter, fmt.Errorf("limit must be a positive integer")
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}

	if req.StartDate != "" {
		start, err := parseDate(req.StartDate, false)
		if err != nil {
			return filter, fmt.Errorf("start_date must be RFC3339 or YYYY-MM-DD")
		}
		filter.StartDate = &start
	}
	if req.EndDate != "" {
		end, err := parseDate(req.EndDate, true)
		if err != nil {
			return filter, fmt.Errorf("end_date must be RFC3339 or YYYY-MM-DD")
		}
		filter.EndDate = &end
	}
	if filter.StartDate != nil && filter.EndDate != nil && filter.StartDate.After(*filter.EndDate) {
		return filter, fmt.Errorf("start_date must not be after end_date")
	}

	switch req.Status {
	case "", domain.RunOutcomeSuccess, domain.RunOutcomeFailed:
		filter.Outcome = req.Status
	default:
		return filter, fmt.Errorf("status must be one of: success, failed")
	}

	if req.SortBy != "" {
		if !storage.IsSortable(req.SortBy) {
			return filter, fmt.Errorf("sort_by %q is not supported", req.SortBy)
		}
		filter.SortBy = req.SortBy
	}

	switch strings.ToLower(req.SortOrder) {
	case "", "descending", "desc":
		filter.SortDesc = true
	case "ascending", "asc":
		filter.SortDesc = false
	default:
		return filter, fmt.Errorf("sort_order must be ascending or descending")
	}

	return filter, nil
}

// parseDate accepts RFC3339 or a bare date. A bare end date covers the
// whole day.
func parseDate(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}

	t, err := time.Parse(dateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return t, nil
}

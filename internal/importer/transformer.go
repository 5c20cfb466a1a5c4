// Package importer turns a fetched feed into queued work items and
// records every step on the import run ledger.
package importer

import (
	"strings"
	"time"

	"github.com/cuongbtq/job-importer/internal/domain"
	"github.com/cuongbtq/job-importer/internal/feed"
)

// Feed element names read by the transformer
const (
	fieldID          = "id"
	fieldTitle       = "title"
	fieldCompany     = "job_listing:company"
	fieldLocation    = "job_listing:location"
	fieldJobType     = "job_listing:job_type"
	fieldDescription = "description"
	fieldLink        = "link"
	fieldGUID        = "guid"
	fieldPubDate     = "pubDate"
)

var pubDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// TransformResult splits feed items into valid records and rejections
type TransformResult struct {
	Records  []domain.JobRecord
	Rejected []domain.FailedJob
}

// Transform maps feed items onto job records. Invalid items are rejected
// individually and never stop the batch.
func Transform(items []feed.Item, now time.Time) TransformResult {
	result := TransformResult{
		Records: make([]domain.JobRecord, 0, len(items)),
	}

	for _, item := range items {
		record := MapItem(item, now)
		if err := record.Validate(); err != nil {
			result.Rejected = append(result.Rejected, domain.FailedJob{
				Record:   item.Map(),
				Reason:   err.Error(),
				FailedAt: now,
			})
			continue
		}
		result.Records = append(result.Records, record)
	}

	return result
}

// MapItem applies field mapping and defaults without validating
func MapItem(item feed.Item, now time.Time) domain.JobRecord {
	return domain.JobRecord{
		JobID:       value(item, fieldID),
		Title:       value(item, fieldTitle),
		Company:     orDefault(value(item, fieldCompany), domain.DefaultCompany),
		Location:    orDefault(value(item, fieldLocation), domain.DefaultLocation),
		Type:        orDefault(value(item, fieldJobType), domain.DefaultJobType),
		Description: value(item, fieldDescription),
		Link:        orDefault(value(item, fieldLink), value(item, fieldGUID)),
		PublishedAt: parsePubDate(value(item, fieldPubDate), now),
	}
}

func value(item feed.Item, name string) string {
	v, _ := item.Get(name)
	return strings.TrimSpace(v)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// parsePubDate falls back to now for a missing or unparseable date
func parsePubDate(raw string, now time.Time) time.Time {
	if raw == "" {
		return now.UTC()
	}
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return now.UTC()
}

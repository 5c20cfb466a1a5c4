package importer

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/job-importer/internal/domain"
	"github.com/cuongbtq/job-importer/internal/feed"
)

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func item(pairs ...string) feed.Item {
	var it feed.Item
	for i := 0; i+1 < len(pairs); i += 2 {
		it.Fields = append(it.Fields, feed.Field{Name: pairs[i], Value: pairs[i+1]})
	}
	return it
}

func TestMapItem(t *testing.T) {
	tests := []struct {
		name string
		item feed.Item
		want domain.JobRecord
	}{
		{
			name: "all fields present",
			item: item(
				"id", "1",
				"title", "Go Engineer",
				"job_listing:company", "Acme",
				"job_listing:location", "Berlin",
				"job_listing:job_type", "Contract",
				"description", "<p>hi</p>",
				"link", "https://example.com/1",
				"guid", "https://example.com/?p=1",
				"pubDate", "Mon, 02 Jun 2025 10:00:00 +0000",
			),
			want: domain.JobRecord{
				JobID:       "1",
				Title:       "Go Engineer",
				Company:     "Acme",
				Location:    "Berlin",
				Type:        "Contract",
				Description: "<p>hi</p>",
				Link:        "https://example.com/1",
				PublishedAt: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
			},
		},
		{
			name: "defaults substituted",
			item: item("id", "2", "title", "Writer"),
			want: domain.JobRecord{
				JobID:       "2",
				Title:       "Writer",
				Company:     domain.DefaultCompany,
				Location:    domain.DefaultLocation,
				Type:        domain.DefaultJobType,
				PublishedAt: now,
			},
		},
		{
			name: "blank values count as absent",
			item: item("id", " 3 ", "title", "  Designer ", "job_listing:company", "   ", "link", " "),
			want: domain.JobRecord{
				JobID:       "3",
				Title:       "Designer",
				Company:     domain.DefaultCompany,
				Location:    domain.DefaultLocation,
				Type:        domain.DefaultJobType,
				PublishedAt: now,
			},
		},
		{
			name: "link falls back to guid",
			item: item("id", "4", "title", "Ops", "guid", "https://example.com/?p=4"),
			want: domain.JobRecord{
				JobID:       "4",
				Title:       "Ops",
				Company:     domain.DefaultCompany,
				Location:    domain.DefaultLocation,
				Type:        domain.DefaultJobType,
				Link:        "https://example.com/?p=4",
				PublishedAt: now,
			},
		},
		{
			name: "unparseable date falls back to now",
			item: item("id", "5", "title", "QA", "pubDate", "yesterday"),
			want: domain.JobRecord{
				JobID:       "5",
				Title:       "QA",
				Company:     domain.DefaultCompany,
				Location:    domain.DefaultLocation,
				Type:        domain.DefaultJobType,
				PublishedAt: now,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MapItem(tt.item, now))
		})
	}
}

func TestParsePubDate(t *testing.T) {
	want := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		raw  string
		want time.Time
	}{
		{"Mon, 02 Jun 2025 10:00:00 +0000", want},
		{"Mon, 2 Jun 2025 12:00:00 +0200", want},
		{"Mon, 02 Jun 2025 10:00:00 UTC", want},
		{"2025-06-02T10:00:00Z", want},
		{"2025-06-02T12:00:00+02:00", want},
		{"2025-06-02", time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)},
		{"", now},
		{"02/06/2025", now},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.True(t, tt.want.Equal(parsePubDate(tt.raw, now)), "got %v", parsePubDate(tt.raw, now))
		})
	}
}

func TestTransform(t *testing.T) {
	items := []feed.Item{
		item("id", "1", "title", "Valid"),
		item("title", "No id"),
		item("id", "3"),
		item("id", strings.Repeat("9", domain.MaxJobIDLength+1), "title", "Long id"),
		item("id", "5", "title", "Also valid", "category", "Eng"),
	}

	result := Transform(items, now)

	require.Len(t, result.Records, 2)
	assert.Equal(t, "1", result.Records[0].JobID)
	assert.Equal(t, "5", result.Records[1].JobID)

	require.Len(t, result.Rejected, 3)
	assert.Equal(t, "validation error: job_id is required", result.Rejected[0].Reason)
	assert.Equal(t, map[string]string{"title": "No id"}, result.Rejected[0].Record)
	assert.Equal(t, "validation error: title is required", result.Rejected[1].Reason)
	assert.Contains(t, result.Rejected[2].Reason, "255")
	assert.Equal(t, now, result.Rejected[2].FailedAt)
}

func TestTransform_DecodedFeed(t *testing.T) {
	items, err := feed.Decode(readFixture(t, "three_items.xml"))
	require.NoError(t, err)

	result := Transform(items, now)
	require.Len(t, result.Records, 3)
	assert.Empty(t, result.Rejected)

	first := result.Records[0]
	assert.Equal(t, "Acme Corp", first.Company)
	assert.Equal(t, "<p>Build <b>pipelines</b> &amp; services.</p>", first.Description)

	second := result.Records[1]
	assert.Equal(t, "Data Engineer", second.Title)
	assert.Equal(t, "https://jobicy.com/?p=102", second.Link)
	assert.Equal(t, now, second.PublishedAt)
	assert.Equal(t, domain.DefaultCompany, second.Company)
}

func TestTransform_Empty(t *testing.T) {
	result := Transform(nil, now)
	assert.Empty(t, result.Records)
	assert.Empty(t, result.Rejected)
}

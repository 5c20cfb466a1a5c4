package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/job-importer/internal/domain"
)

// ContentType of every work item message
const ContentType = "application/json"

// BatchPublisher publishes raw message bodies as one atomic batch
type BatchPublisher interface {
	PublishBatch(ctx context.Context, bodies [][]byte, contentType string) error
}

// Publisher enqueues work items on the broker
type Publisher struct {
	client BatchPublisher
}

// NewPublisher creates a work item publisher
func NewPublisher(client BatchPublisher) *Publisher {
	return &Publisher{client: client}
}

// PublishBatch enqueues every item or none of them
func (p *Publisher) PublishBatch(ctx context.Context, items []domain.WorkItem) error {
	if len(items) == 0 {
		return nil
	}

	bodies := make([][]byte, 0, len(items))
	for _, item := range items {
		body, err := Encode(item)
		if err != nil {
			return &domain.EnqueueError{BatchSize: len(items), Err: err}
		}
		bodies = append(bodies, body)
	}

	if err := p.client.PublishBatch(ctx, bodies, ContentType); err != nil {
		return &domain.EnqueueError{BatchSize: len(items), Err: err}
	}
	return nil
}

// Encode serializes a work item into a message body
func Encode(item domain.WorkItem) ([]byte, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to encode work item: %w", err)
	}
	return body, nil
}

// Decode parses a message body into a work item
func Decode(body []byte) (domain.WorkItem, error) {
	var item domain.WorkItem
	if err := json.Unmarshal(body, &item); err != nil {
		return domain.WorkItem{}, fmt.Errorf("failed to decode work item: %w", err)
	}
	if item.RunID == "" {
		return domain.WorkItem{}, fmt.Errorf("failed to decode work item: run_id is missing")
	}
	if item.Seq <= 0 {
		return domain.WorkItem{}, fmt.Errorf("failed to decode work item: seq must be positive, got %d", item.Seq)
	}
	return item, nil
}

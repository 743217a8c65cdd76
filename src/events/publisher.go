package events

import (
	"context"

	"github.com/username/cashledger/src/models"
)

// Publisher emits commit notifications for downstream consumers.
type Publisher interface {
	PublishBatchCommitted(ctx context.Context, event models.BatchCommitted) error
	Close() error
}

// NoopPublisher drops every event. Used when no brokers are configured and in
// tests.
type NoopPublisher struct{}

func (NoopPublisher) PublishBatchCommitted(ctx context.Context, event models.BatchCommitted) error {
	return nil
}

func (NoopPublisher) Close() error { return nil }

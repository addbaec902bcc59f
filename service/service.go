// Package service defines the stream operations offered to API clients.
package service

import (
	"context"

	"github.com/getlantern/topicstream/model"
	"github.com/getlantern/topicstream/stream"
)

// TopicUpdatesRequest asks for a stream of individual updates.
type TopicUpdatesRequest struct {
	// Topic filters, any of which may match. Defaults to "#".
	TopicFilters []string `json:"topicFilters"`
	// Preferred payload format, defaults to JSON.
	Format model.DataFormat `json:"format"`
}

// BulkRequest asks for a stream of batches.
type BulkRequest struct {
	TopicUpdatesRequest
	// How long a batch may stay open after its first update, in milliseconds. Must be positive.
	TimeoutMs int `json:"timeoutMs"`
	// Maximum updates per batch. Must be positive.
	MaxSize int `json:"maxSize"`
}

// Stream is an open subscription. The consumer receives nothing until it requests items.
type Stream interface {
	ID() string

	// Request signals readiness for n more items.
	Request(n int64) error

	// Cancel ends the stream. Only the first call has an effect.
	Cancel() bool

	// Done is closed once the consumer has been completed.
	Done() <-chan struct{}
}

// Service opens streams of broker messages.
type Service interface {
	// SubscribeTopicUpdates opens a stream of updates matching the request's filters.
	SubscribeTopicUpdates(ctx context.Context, req *TopicUpdatesRequest, consumer stream.Consumer[*model.TopicUpdate]) (Stream, error)

	// SubscribeTopicUpdatesBulk opens a stream of batches of updates matching the request's filters.
	SubscribeTopicUpdatesBulk(ctx context.Context, req *BulkRequest, consumer stream.Consumer[*model.TopicUpdateBatch]) (Stream, error)

	// ActiveSubscriptions tells how many streams are open
	ActiveSubscriptions() int

	// Close cancels all open streams and waits for them to finish, or for ctx to expire.
	Close(ctx context.Context) error
}

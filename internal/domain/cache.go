package domain

import (
	"context"
	"time"
)

// FinalizedCache remembers which task indices have reached a terminal state
// so that a restarted aggregator does not re-run consensus for them. Backed
// by Redis in production; a local map suffices in tests.
type FinalizedCache interface {
	MarkFinalized(ctx context.Context, taskIndex uint32, status TaskStatus) error
	IsFinalized(ctx context.Context, taskIndex uint32) (bool, error)
}

// EventBus publishes consensus lifecycle events (finalized, failed) for
// downstream consumers such as dashboards and alerting.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter writes an object to blob storage. Implemented by the S3 client.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}

// Archiver moves settled auction history out of the primary store into cold
// storage once it ages past the retention window.
type Archiver interface {
	// ArchiveResults archives consensus outcomes decided before the cutoff
	// and returns the number of records archived.
	ArchiveResults(ctx context.Context, before time.Time) (int64, error)

	// ArchiveResponses archives raw submissions received before the cutoff
	// and returns the number of records archived.
	ArchiveResponses(ctx context.Context, before time.Time) (int64, error)
}

package audit

import (
	"context"
	"time"
)

// Filter selects audit events in the remote record store. Predicates are
// equality and a single lower time bound, which is the full query surface
// the pipeline and lockout policy require.
type Filter struct {
	// Identity matches events for one identity when non-empty.
	Identity string

	// Success matches the success flag when non-nil.
	Success *bool

	// Since matches events with Timestamp >= Since when non-zero.
	Since time.Time

	// Limit caps the result size when positive.
	Limit int

	// NewestFirst orders results by descending timestamp.
	NewestFirst bool
}

// EventStore is the remote record store contract the pipeline depends on.
//
// Delivery is at least once: a crash between a successful InsertEvents of
// the queued batch and the local queue clear re-delivers the batch on the
// next flush. Store consumers must therefore tolerate duplicate rows,
// deduplicating by (identity, action, timestamp, device_fingerprint).
type EventStore interface {
	// InsertEvents writes one or more events as a single batch. The batch
	// either succeeds as a whole or fails as a whole from the caller's
	// perspective.
	InsertEvents(ctx context.Context, events []Event) error

	// SelectEvents returns the events matching the filter.
	SelectEvents(ctx context.Context, filter Filter) ([]Event, error)
}

// Queue is the durable local queue holding events that could not be
// delivered. Implementations persist the queue as one atomically written
// serialized list and never reorder records.
type Queue interface {
	// Enqueue appends a record to the queue.
	Enqueue(event Event) error

	// Drain returns a stable snapshot of the queue without mutating it.
	Drain() ([]Event, error)

	// Clear removes all queued records.
	Clear() error

	// Len reports the number of queued records.
	Len() (int, error)
}

package queue

import (
	"sync"

	"aegis.evalgo.org/audit"
	"aegis.evalgo.org/common"
)

// MemoryQueue is an in-memory queue for tests and hosts without durable
// storage. Semantics match BoltQueue, minus crash survival.
type MemoryQueue struct {
	mu     sync.Mutex
	events []audit.Event
	max    int
}

// NewMemory creates an in-memory queue with the given cap. Non-positive
// maxRecords uses DefaultMaxRecords.
func NewMemory(maxRecords int) *MemoryQueue {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &MemoryQueue{max: maxRecords}
}

// Enqueue appends an event, evicting the oldest records over the cap.
func (q *MemoryQueue) Enqueue(event audit.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.events = append(q.events, event)
	if dropped := len(q.events) - q.max; dropped > 0 {
		q.events = q.events[dropped:]
		common.Logger.WithField("dropped", dropped).Warn("audit queue full, oldest records evicted")
	}
	return nil
}

// Drain returns a copy of the queued records.
func (q *MemoryQueue) Drain() ([]audit.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := make([]audit.Event, len(q.events))
	copy(snapshot, q.events)
	return snapshot, nil
}

// Clear removes all queued records.
func (q *MemoryQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = nil
	return nil
}

// Len reports the number of queued records.
func (q *MemoryQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events), nil
}

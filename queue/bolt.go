// Package queue provides crash-surviving local queues for audit events
// awaiting remote delivery. The queue is strictly FIFO: records never
// reorder, and a record leaves the queue only when the entire backlog has
// been acknowledged as one batch.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"aegis.evalgo.org/audit"
	"aegis.evalgo.org/common"
)

const (
	bucketName = "audit_queue"
	recordsKey = "records"

	// DefaultMaxRecords bounds queue growth during long offline periods.
	DefaultMaxRecords = 1000
)

// BoltQueue persists the queue in a bbolt database under a single key
// holding the JSON-serialized record list. Every mutation rewrites the
// full list inside one bbolt transaction, which gives the atomic
// write-or-nothing behavior the pipeline requires.
type BoltQueue struct {
	db  *bolt.DB
	max int
}

// OpenBolt opens or creates the queue database at path. maxRecords caps
// the queue; once full, the oldest records are dropped to admit new ones,
// on the grounds that the newest evidence is the most valuable during a
// long offline stretch. Non-positive maxRecords uses DefaultMaxRecords.
func OpenBolt(path string, maxRecords int) (*BoltQueue, error) {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create queue bucket: %w", err)
	}

	return &BoltQueue{db: db, max: maxRecords}, nil
}

// Enqueue appends an event to the queue, evicting the oldest records when
// the cap is exceeded.
func (q *BoltQueue) Enqueue(event audit.Event) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		events, err := decodeRecords(b.Get([]byte(recordsKey)))
		if err != nil {
			return err
		}

		events = append(events, event)
		if dropped := len(events) - q.max; dropped > 0 {
			events = events[dropped:]
			common.Logger.WithField("dropped", dropped).Warn("audit queue full, oldest records evicted")
		}

		data, err := json.Marshal(events)
		if err != nil {
			return fmt.Errorf("failed to marshal queue records: %w", err)
		}
		return b.Put([]byte(recordsKey), data)
	})
}

// Drain returns a stable snapshot of the queued records without mutating
// storage.
func (q *BoltQueue) Drain() ([]audit.Event, error) {
	var events []audit.Event
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		var err error
		events, err = decodeRecords(b.Get([]byte(recordsKey)))
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Clear removes all queued records.
func (q *BoltQueue) Clear() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(recordsKey))
	})
}

// Len reports the number of queued records.
func (q *BoltQueue) Len() (int, error) {
	events, err := q.Drain()
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// Close closes the underlying database.
func (q *BoltQueue) Close() error { return q.db.Close() }

func decodeRecords(data []byte) ([]audit.Event, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var events []audit.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue records: %w", err)
	}
	return events, nil
}

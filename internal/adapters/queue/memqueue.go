// Package queue holds journaled records waiting for export.
package queue

import (
	"sync"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

// MemQueue is a bounded FIFO backed by a ring buffer.
type MemQueue struct {
	mu   sync.Mutex
	ring []ports.QueuedRecord
	head int
	n    int
}

func NewMemQueue(capacity int) *MemQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &MemQueue{ring: make([]ports.QueuedRecord, capacity)}
}

// Enqueue returns false when the queue is full.
func (q *MemQueue) Enqueue(id ports.JournalEntryID, r *domain.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.ring) {
		return false
	}
	q.ring[(q.head+q.n)%len(q.ring)] = ports.QueuedRecord{ID: id, Record: r}
	q.n++
	return true
}

// DequeueBatch removes up to max records, oldest first. max <= 0 takes all.
func (q *MemQueue) DequeueBatch(max int) []ports.QueuedRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil
	}
	if max <= 0 || max > q.n {
		max = q.n
	}
	out := make([]ports.QueuedRecord, max)
	for i := range out {
		slot := (q.head + i) % len(q.ring)
		out[i] = q.ring[slot]
		q.ring[slot] = ports.QueuedRecord{}
	}
	q.head = (q.head + max) % len(q.ring)
	q.n -= max
	return out
}

func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func (q *MemQueue) Cap() int { return len(q.ring) }

var _ ports.RecordQueue = (*MemQueue)(nil)

package ports

import "github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"

type QueuedRecord struct {
	ID     JournalEntryID
	Record *domain.Record
}

type RecordQueue interface {
	Enqueue(id JournalEntryID, r *domain.Record) bool
	DequeueBatch(max int) []QueuedRecord
	Len() int
}

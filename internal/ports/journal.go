package ports

import "github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"

type JournalEntryID uint64

// Journal is the flat, append-only measurement log. Entries up to the commit
// mark have been delivered to every sink.
type Journal interface {
	Append(r *domain.Record) (JournalEntryID, error)
	Iterate(from JournalEntryID, fn func(id JournalEntryID, r *domain.Record) error) error
	Commit(upto JournalEntryID) error
	Stats() JournalStats
	Close() error
}

type JournalStats struct {
	OldestUncommitted JournalEntryID
	LatestAppended    JournalEntryID
	SizeBytes         int64
}

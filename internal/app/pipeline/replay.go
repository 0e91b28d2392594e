package pipeline

import (
	"context"
	"fmt"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

// Replay enqueues every journaled record past the commit mark. It runs before
// acquisition starts, so a full queue under a non-blocking policy is an error.
func Replay(ctx context.Context, j ports.Journal, q ports.RecordQueue, pol ports.Policy, obs ports.Observability) (int, error) {
	stats := j.Stats()
	start := stats.OldestUncommitted
	if stats.LatestAppended == 0 || start == 0 || start > stats.LatestAppended {
		return 0, nil
	}

	var replayed int
	err := j.Iterate(start, func(id ports.JournalEntryID, r *domain.Record) error {
		if err := enqueueWithPolicy(ctx, q, id, r, pol, obs); err != nil {
			return fmt.Errorf("replay journal entry %d: %w", id, err)
		}
		replayed++
		return nil
	})
	if err != nil {
		return replayed, err
	}
	if replayed > 0 {
		obs.LogInfo("journal_replay_complete",
			ports.Field{Key: "records", Value: replayed},
			ports.Field{Key: "from_id", Value: uint64(start)})
	}
	return replayed, nil
}

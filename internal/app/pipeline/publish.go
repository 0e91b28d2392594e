// Package pipeline moves saved records from the acquisition loop through the
// journal and the export queue into the sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

var (
	ErrLogFull   = errors.New("pipeline: journal full")
	ErrQueueFull = errors.New("pipeline: export queue full")
)

const defaultIdleSleep = 5 * time.Millisecond

type syncer interface{ Sync() error }

type compacter interface{ Compact() error }

// CommitGate holds the journal commit mark below the first record that was
// journaled but never reached the export queue. A nil gate never holds.
type CommitGate struct {
	mu   sync.Mutex
	held ports.JournalEntryID
}

// Hold keeps the commit mark below id for the rest of the run.
func (g *CommitGate) Hold(id ports.JournalEntryID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held == 0 || id < g.held {
		g.held = id
	}
}

// Limit returns the highest id that may be committed when upto is exported.
func (g *CommitGate) Limit(upto ports.JournalEntryID) ports.JournalEntryID {
	if g == nil {
		return upto
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held != 0 && upto >= g.held {
		return g.held - 1
	}
	return upto
}

// Held returns the first held id, or 0.
func (g *CommitGate) Held() ports.JournalEntryID {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Publisher journals every record of a capture, then hands them to the
// export queue. It satisfies the acquisition loop's Flusher.
type Publisher struct {
	journal ports.Journal
	queue   ports.RecordQueue
	pol     ports.Policy
	obs     ports.Observability
	gate    *CommitGate
}

func NewPublisher(j ports.Journal, q ports.RecordQueue, pol ports.Policy, obs ports.Observability) *Publisher {
	if obs == nil {
		obs = ports.Nop{}
	}
	return &Publisher{journal: j, queue: q, pol: pol, obs: obs, gate: &CommitGate{}}
}

// Gate is held at every record the queue turned away. Pass it to RunIngest
// with WithCommitGate.
func (p *Publisher) Gate() *CommitGate { return p.gate }

// Flush publishes a completed capture. Records that do not fit under the
// journal policy are dropped and reported. Records that are journaled but
// turned away by the queue (drop or reject) hold the commit gate, so they
// stay past the commit mark and are replayed on next start.
func (p *Publisher) Flush(ctx context.Context, records []domain.Record) error {
	type entry struct {
		id ports.JournalEntryID
		r  *domain.Record
	}
	entries := make([]entry, 0, len(records))

	var dropped int
	for i := range records {
		if err := waitForLogCapacity(ctx, p.journal, p.pol, p.obs); err != nil {
			if errors.Is(err, ErrLogFull) {
				dropped += len(records) - i
				break
			}
			return err
		}
		r := records[i]
		id, err := p.journal.Append(&r)
		if err != nil {
			p.obs.LogCritical("journal_append_failed", err, ports.Field{Key: "capture_id", Value: r.CaptureID})
			return fmt.Errorf("journal append: %w", err)
		}
		entries = append(entries, entry{id: id, r: &r})
	}
	if s, ok := p.journal.(syncer); ok && len(entries) > 0 {
		if err := s.Sync(); err != nil {
			p.obs.LogCritical("journal_sync_failed", err)
			return fmt.Errorf("journal sync: %w", err)
		}
	}
	p.obs.SetGauge("fourpoint_journal_size_bytes", float64(p.journal.Stats().SizeBytes))

	var rejected int
	for i, e := range entries {
		if err := enqueueWithPolicy(ctx, p.queue, e.id, e.r, p.pol, p.obs); err != nil {
			if errors.Is(err, ErrQueueFull) {
				p.gate.Hold(e.id)
				if p.pol.OnQueueFull == "reject" {
					rejected += len(entries) - i
					break
				}
				rejected++
				continue
			}
			return err
		}
	}
	p.obs.SetGauge("fourpoint_export_queue_length", float64(p.queue.Len()))

	if lost := dropped + rejected; lost > 0 {
		p.obs.IncCounter("fourpoint_export_dropped_total", float64(lost))
		var errs []error
		if dropped > 0 {
			errs = append(errs, fmt.Errorf("%w: %d of %d records not journaled", ErrLogFull, dropped, len(records)))
		}
		if rejected > 0 {
			errs = append(errs, fmt.Errorf("%w: %d records not queued (policy=%s), kept in the journal for next start",
				ErrQueueFull, rejected, p.pol.OnQueueFull))
		}
		return errors.Join(errs...)
	}
	return nil
}

// waitForLogCapacity applies OnLogFull. A full journal is compacted once
// before the policy is consulted.
func waitForLogCapacity(ctx context.Context, j ports.Journal, pol ports.Policy, obs ports.Observability) error {
	if pol.MaxLogSizeBytes <= 0 {
		return nil
	}
	sleep := idleSleep(pol)

	compacted := false
	for {
		stats := j.Stats()
		if stats.SizeBytes < pol.MaxLogSizeBytes {
			return nil
		}
		if c, ok := j.(compacter); ok && !compacted {
			compacted = true
			if err := c.Compact(); err != nil {
				obs.LogError("journal_compact_failed", err)
			}
			continue
		}

		switch pol.OnLogFull {
		case "block":
			if err := sleepCtx(ctx, sleep); err != nil {
				return err
			}
		case "drop":
			obs.LogError("journal_full_drop", fmt.Errorf("size=%d limit=%d", stats.SizeBytes, pol.MaxLogSizeBytes))
			return ErrLogFull
		default:
			obs.LogError("journal_policy_invalid", fmt.Errorf("policy=%s", pol.OnLogFull))
			return ErrLogFull
		}
	}
}

func enqueueWithPolicy(ctx context.Context, q ports.RecordQueue, id ports.JournalEntryID, r *domain.Record, pol ports.Policy, obs ports.Observability) error {
	sleep := idleSleep(pol)
	for {
		if q.Enqueue(id, r) {
			return nil
		}

		switch pol.OnQueueFull {
		case "block":
			if err := sleepCtx(ctx, sleep); err != nil {
				return err
			}
		case "drop", "reject":
			obs.LogError("queue_full", fmt.Errorf("policy=%s limit=%d journal_id=%d", pol.OnQueueFull, pol.MaxQueueLen, id))
			return ErrQueueFull
		default:
			obs.LogError("queue_policy_invalid", fmt.Errorf("policy=%s", pol.OnQueueFull))
			return ErrQueueFull
		}
	}
}

func idleSleep(pol ports.Policy) time.Duration {
	if pol.IdleSleep <= 0 {
		return defaultIdleSleep
	}
	return pol.IdleSleep
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

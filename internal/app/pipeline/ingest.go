package pipeline

import (
	"context"
	"time"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

// IngestOption customises RunIngest.
type IngestOption func(*ingester)

// WithCommitGate keeps commits below records the publisher could not queue.
func WithCommitGate(g *CommitGate) IngestOption {
	return func(in *ingester) { in.gate = g }
}

// RunIngest drains the export queue into sink until ctx is cancelled, then
// drains once more and returns. Each written batch advances the journal
// commit mark, never past a record held by the commit gate. After a failed
// batch the mark is frozen for the rest of the run, so the failed records are
// replayed on next start.
func RunIngest(ctx context.Context, j ports.Journal, q ports.RecordQueue, sink ports.Sink, pol ports.Policy, obs ports.Observability, opts ...IngestOption) {
	in := ingester{journal: j, queue: q, sink: sink, pol: pol, obs: obs}
	for _, opt := range opts {
		if opt != nil {
			opt(&in)
		}
	}
	sleep := idleSleep(pol)
	for {
		if in.step() {
			continue
		}
		select {
		case <-ctx.Done():
			for in.step() {
			}
			return
		case <-time.After(sleep):
		}
	}
}

type ingester struct {
	journal ports.Journal
	queue   ports.RecordQueue
	sink    ports.Sink
	pol     ports.Policy
	obs     ports.Observability
	gate    *CommitGate
	frozen  bool
}

// step writes one batch and reports whether there was anything to write.
func (in *ingester) step() bool {
	batch := in.queue.DequeueBatch(in.pol.MaxBatchSize)
	if len(batch) == 0 {
		return false
	}

	out := make([]*domain.Record, len(batch))
	var maxID ports.JournalEntryID
	for i, item := range batch {
		out[i] = item.Record
		if item.ID > maxID {
			maxID = item.ID
		}
	}

	start := time.Now()
	err := in.sink.WriteBatch(out)
	in.obs.ObserveLatency("fourpoint_sink_latency_seconds", time.Since(start).Seconds())
	in.obs.SetGauge("fourpoint_export_queue_length", float64(in.queue.Len()))
	if err != nil {
		in.obs.LogError("sink_write_failed", err, ports.Field{Key: "sink", Value: in.sink.Name()})
		for _, item := range batch {
			in.obs.RecordDLQ(item.ID, item.Record, err)
		}
		if !in.frozen {
			in.frozen = true
			in.obs.LogWarn("journal_commit_frozen", ports.Field{Key: "first_failed_id", Value: uint64(batch[0].ID)})
		}
		return true
	}
	in.obs.IncCounter("fourpoint_records_exported_total", float64(len(out)))

	if in.frozen {
		return true
	}
	upto := in.gate.Limit(maxID)
	if upto == 0 {
		return true
	}
	if err := in.journal.Commit(upto); err != nil {
		in.obs.LogError("journal_commit_failed", err)
	}
	in.obs.SetGauge("fourpoint_journal_size_bytes", float64(in.journal.Stats().SizeBytes))
	return true
}

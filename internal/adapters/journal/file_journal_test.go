package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

func TestJournalAppendIterateAndReplay(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	r1 := record("cap-1", 0, 0.004)
	r2 := record("cap-1", 1, 0.005)

	id1, err := j.Append(r1)
	if err != nil || id1 == 0 {
		t.Fatalf("append record 1: %v id=%d", err, id1)
	}
	id2, err := j.Append(r2)
	if err != nil || id2 != id1+1 {
		t.Fatalf("append record 2: %v id=%d", err, id2)
	}

	got := collect(t, j, 1)
	if len(got) != 2 || got[0].Seq != 0 || got[1].Reading.IOuter != 0.005 {
		t.Fatalf("unexpected entries %+v", got)
	}

	if err := j.Commit(id1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	stats := j2.Stats()
	if stats.LatestAppended != id2 {
		t.Fatalf("expected latest %d, got %d", id2, stats.LatestAppended)
	}
	if stats.OldestUncommitted != id2 {
		t.Fatalf("expected oldest uncommitted %d, got %d", id2, stats.OldestUncommitted)
	}

	pending := collect(t, j2, stats.OldestUncommitted)
	if len(pending) != 1 || pending[0].Seq != 1 {
		t.Fatalf("expected only the uncommitted record to replay, got %+v", pending)
	}
}

func TestJournalTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := j.Append(record("cap", 0, 0.001)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	size := j.Stats().SizeBytes

	f, err := os.OpenFile(filepath.Join(dir, logName), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	// Header claiming a 200 byte body that never arrived.
	if _, err := f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 200, '{'}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	j2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen after torn write: %v", err)
	}
	defer j2.Close()

	if got := j2.Stats().SizeBytes; got != size {
		t.Fatalf("expected torn tail cut to %d bytes, got %d", size, got)
	}
	if got := collect(t, j2, 1); len(got) != 1 {
		t.Fatalf("expected 1 intact entry, got %d", len(got))
	}
	id, err := j2.Append(record("cap", 1, 0.002))
	if err != nil || id != 2 {
		t.Fatalf("expected append to continue at id 2, got %d %v", id, err)
	}
}

func TestJournalCommitNeverMovesBack(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	for i := 0; i < 3; i++ {
		if _, err := j.Append(record("cap", uint64(i), 0.001)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Commit(3); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := j.Commit(1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := j.Stats().OldestUncommitted; got != 4 {
		t.Fatalf("expected oldest uncommitted 4, got %d", got)
	}
}

func TestJournalCompactKeepsPending(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	for i := 0; i < 4; i++ {
		if _, err := j.Append(record("cap", uint64(i), 0.001)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Commit(3); err != nil {
		t.Fatalf("commit: %v", err)
	}
	before := j.Stats().SizeBytes
	if err := j.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if after := j.Stats().SizeBytes; after >= before {
		t.Fatalf("expected compaction to shrink the log, %d -> %d", before, after)
	}

	var ids []ports.JournalEntryID
	if err := j.Iterate(0, func(id ports.JournalEntryID, _ *domain.Record) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(ids) != 1 || ids[0] != 4 {
		t.Fatalf("expected only entry 4 after compaction, got %v", ids)
	}

	id, err := j.Append(record("cap", 4, 0.001))
	if err != nil || id != 5 {
		t.Fatalf("expected ids to continue at 5, got %d %v", id, err)
	}
}

func TestJournalClosed(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := j.Append(record("cap", 0, 1)); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func record(capture string, seq uint64, current float64) *domain.Record {
	return &domain.Record{
		CaptureID: capture,
		Seq:       seq,
		Reading: domain.RawReading{
			VOuter:    0.5,
			IOuter:    current,
			VInner:    0.02,
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Metrics: domain.Metrics{SheetResistance: 22.6, CorrectionFactor: 1},
	}
}

func collect(t *testing.T, j *FileJournal, from ports.JournalEntryID) []domain.Record {
	t.Helper()
	var out []domain.Record
	if err := j.Iterate(from, func(_ ports.JournalEntryID, r *domain.Record) error {
		out = append(out, *r)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	return out
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/adapters/journal"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/adapters/queue"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

func TestWaitForLogCapacityBlockThenSucceed(t *testing.T) {
	j := &mockJournal{sizes: []int64{150, 50}}
	pol := ports.Policy{MaxLogSizeBytes: 100, OnLogFull: "block", IdleSleep: time.Millisecond}

	if err := waitForLogCapacity(context.Background(), j, pol, &mockObs{}); err != nil {
		t.Fatalf("expected capacity to free up, got %v", err)
	}
	if j.calls < 2 {
		t.Fatalf("expected multiple stats calls, got %d", j.calls)
	}
}

func TestWaitForLogCapacityDrop(t *testing.T) {
	j := &mockJournal{sizes: []int64{200}}
	pol := ports.Policy{MaxLogSizeBytes: 100, OnLogFull: "drop"}
	obs := &mockObs{}

	if err := waitForLogCapacity(context.Background(), j, pol, obs); !errors.Is(err, ErrLogFull) {
		t.Fatalf("expected ErrLogFull, got %v", err)
	}
	if obs.errorCount() == 0 {
		t.Fatalf("expected error to be logged")
	}
}

func TestWaitForLogCapacityBlockHonoursContext(t *testing.T) {
	j := &mockJournal{sizes: []int64{200}}
	pol := ports.Policy{MaxLogSizeBytes: 100, OnLogFull: "block", IdleSleep: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := waitForLogCapacity(ctx, j, pol, &mockObs{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWaitForLogCapacityCompactsFirst(t *testing.T) {
	j := &compactingJournal{mockJournal: mockJournal{sizes: []int64{200, 10}}}
	pol := ports.Policy{MaxLogSizeBytes: 100, OnLogFull: "drop"}

	if err := waitForLogCapacity(context.Background(), j, pol, &mockObs{}); err != nil {
		t.Fatalf("expected compaction to free space, got %v", err)
	}
	if j.compactions != 1 {
		t.Fatalf("expected one compaction, got %d", j.compactions)
	}
}

func TestEnqueueWithPolicyBlock(t *testing.T) {
	q := &mockQueue{}
	q.failures = 1
	pol := ports.Policy{OnQueueFull: "block", IdleSleep: time.Millisecond}

	if err := enqueueWithPolicy(context.Background(), q, 1, &domain.Record{}, pol, &mockObs{}); err != nil {
		t.Fatalf("expected enqueue to eventually succeed, got %v", err)
	}
	if q.calls != 2 {
		t.Fatalf("expected two enqueue attempts, got %d", q.calls)
	}
}

func TestEnqueueWithPolicyDrop(t *testing.T) {
	q := &mockQueue{failAlways: true}
	obs := &mockObs{}

	err := enqueueWithPolicy(context.Background(), q, 1, &domain.Record{}, ports.Policy{OnQueueFull: "drop"}, obs)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if obs.errorCount() == 0 {
		t.Fatalf("expected drop to log an error")
	}
}

func TestPublisherJournalsThenEnqueues(t *testing.T) {
	j := openJournal(t)
	q := queue.NewMemQueue(10)
	p := NewPublisher(j, q, ports.Policy{OnQueueFull: "block", OnLogFull: "block"}, nil)

	if err := p.Flush(context.Background(), capture("cap", 3)); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 queued records, got %d", q.Len())
	}
	if got := j.Stats().LatestAppended; got != 3 {
		t.Fatalf("expected 3 journal entries, got %d", got)
	}

	batch := q.DequeueBatch(0)
	for i, item := range batch {
		if item.ID != ports.JournalEntryID(i+1) || item.Record.Seq != uint64(i) {
			t.Fatalf("unexpected queue item %d: %+v", i, item)
		}
	}
}

func TestPublisherQueueRejectDefersToJournal(t *testing.T) {
	j := openJournal(t)
	q := queue.NewMemQueue(1)
	obs := &mockObs{}
	p := NewPublisher(j, q, ports.Policy{OnQueueFull: "reject"}, obs)

	err := p.Flush(context.Background(), capture("cap", 3))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if j.Stats().LatestAppended != 3 {
		t.Fatalf("expected every record journaled")
	}
	if obs.counter("fourpoint_export_dropped_total") != 2 {
		t.Fatalf("expected 2 deferred records counted")
	}

	// The deferred records are still past the commit mark.
	if got := j.Stats().OldestUncommitted; got != 1 {
		t.Fatalf("expected nothing committed, got oldest uncommitted %d", got)
	}
}

func TestReplayEnqueuesUncommitted(t *testing.T) {
	j := openJournal(t)
	for _, r := range capture("cap", 4) {
		r := r
		if _, err := j.Append(&r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Commit(2); err != nil {
		t.Fatalf("commit: %v", err)
	}

	q := queue.NewMemQueue(10)
	n, err := Replay(context.Background(), j, q, ports.Policy{OnQueueFull: "block"}, &mockObs{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 2 || q.Len() != 2 {
		t.Fatalf("expected 2 replayed records, got %d (queue %d)", n, q.Len())
	}
	if first := q.DequeueBatch(1)[0]; first.ID != 3 || first.Record.Seq != 2 {
		t.Fatalf("unexpected first replayed record %+v", first)
	}
}

func TestReplayFullQueueFails(t *testing.T) {
	j := openJournal(t)
	for _, r := range capture("cap", 2) {
		r := r
		if _, err := j.Append(&r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	q := queue.NewMemQueue(1)
	if _, err := Replay(context.Background(), j, q, ports.Policy{OnQueueFull: "drop"}, &mockObs{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestRunIngestWritesAndCommits(t *testing.T) {
	j := openJournal(t)
	q := queue.NewMemQueue(10)
	p := NewPublisher(j, q, ports.Policy{OnQueueFull: "block"}, nil)
	if err := p.Flush(context.Background(), capture("cap", 5)); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sink := &recordingSink{}
	obs := &mockObs{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunIngest(ctx, j, q, sink, ports.Policy{MaxBatchSize: 2, IdleSleep: time.Millisecond}, obs)
		close(done)
	}()

	waitFor(t, func() bool { return sink.count() == 5 })
	cancel()
	<-done

	if got := j.Stats().OldestUncommitted; got != 6 {
		t.Fatalf("expected everything committed, oldest uncommitted %d", got)
	}
	if obs.counter("fourpoint_records_exported_total") != 5 {
		t.Fatalf("expected 5 exported records counted")
	}
	if sink.batches() != 3 {
		t.Fatalf("expected batches of at most 2, got %d batches", sink.batches())
	}
}

func TestRunIngestFailureFreezesCommit(t *testing.T) {
	j := openJournal(t)
	q := queue.NewMemQueue(10)
	p := NewPublisher(j, q, ports.Policy{OnQueueFull: "block"}, nil)
	if err := p.Flush(context.Background(), capture("cap", 4)); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sink := &recordingSink{failFirst: 1}
	obs := &mockObs{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	RunIngest(ctx, j, q, sink, ports.Policy{MaxBatchSize: 2}, obs)

	if sink.count() != 2 {
		t.Fatalf("expected the second batch to be written, got %d records", sink.count())
	}
	if obs.dlq != 2 {
		t.Fatalf("expected 2 dead-lettered records, got %d", obs.dlq)
	}
	if got := j.Stats().OldestUncommitted; got != 1 {
		t.Fatalf("expected the commit mark to stay put, got oldest uncommitted %d", got)
	}
}

func TestUnqueuedRecordsSurviveLaterCommits(t *testing.T) {
	for _, policy := range []string{"reject", "drop"} {
		t.Run(policy, func(t *testing.T) {
			j := openJournal(t)
			q := queue.NewMemQueue(1)
			pol := ports.Policy{OnQueueFull: policy, MaxBatchSize: 10}
			p := NewPublisher(j, q, pol, &mockObs{})
			sink := &recordingSink{}
			in := ingester{journal: j, queue: q, sink: sink, pol: pol, obs: &mockObs{}, gate: p.Gate()}

			if err := p.Flush(context.Background(), capture("a", 2)); !errors.Is(err, ErrQueueFull) {
				t.Fatalf("expected ErrQueueFull, got %v", err)
			}
			in.step()
			if err := p.Flush(context.Background(), capture("b", 1)); err != nil {
				t.Fatalf("flush second capture: %v", err)
			}
			in.step()

			if sink.count() != 2 {
				t.Fatalf("expected 2 exported records, got %d", sink.count())
			}
			if got := p.Gate().Held(); got != 2 {
				t.Fatalf("expected gate held at 2, got %d", got)
			}
			if got := j.Stats().OldestUncommitted; got != 2 {
				t.Fatalf("expected commit mark to stop before the unqueued record, oldest uncommitted %d", got)
			}

			dir := j.Dir()
			if err := j.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			reopened, err := journal.Open(dir)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer reopened.Close()

			rq := queue.NewMemQueue(10)
			n, err := Replay(context.Background(), reopened, rq, ports.Policy{OnQueueFull: "block"}, &mockObs{})
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			if n != 2 {
				t.Fatalf("expected the unqueued record and its successor replayed, got %d", n)
			}
			if first := rq.DequeueBatch(1)[0]; first.ID != 2 || first.Record.CaptureID != "a" || first.Record.Seq != 1 {
				t.Fatalf("unexpected first replayed record %+v", first)
			}
		})
	}
}

func TestCommitGate(t *testing.T) {
	var nilGate *CommitGate
	if got := nilGate.Limit(7); got != 7 {
		t.Fatalf("nil gate limited commit to %d", got)
	}

	g := &CommitGate{}
	if got := g.Limit(5); got != 5 {
		t.Fatalf("open gate limited commit to %d", got)
	}
	g.Hold(4)
	g.Hold(9)
	if got := g.Held(); got != 4 {
		t.Fatalf("expected lowest held id 4, got %d", got)
	}
	if got := g.Limit(10); got != 3 {
		t.Fatalf("expected commit limited to 3, got %d", got)
	}
	if got := g.Limit(2); got != 2 {
		t.Fatalf("expected commit below the hold to pass, got %d", got)
	}
}

func openJournal(t *testing.T) *journal.FileJournal {
	t.Helper()
	j, err := journal.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func capture(id string, n int) []domain.Record {
	out := make([]domain.Record, n)
	for i := range out {
		out[i] = domain.Record{
			CaptureID: id,
			Seq:       uint64(i),
			Reading:   domain.RawReading{VOuter: 0.5, IOuter: 0.004, VInner: 0.02, Timestamp: time.Now()},
			Metrics:   domain.Metrics{SheetResistance: 22.66, CorrectionFactor: 1},
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

type mockJournal struct {
	ports.Journal
	sizes []int64
	calls int
}

func (m *mockJournal) Stats() ports.JournalStats {
	idx := m.calls
	if idx >= len(m.sizes) {
		idx = len(m.sizes) - 1
	}
	m.calls++
	return ports.JournalStats{SizeBytes: m.sizes[idx]}
}

type compactingJournal struct {
	mockJournal
	compactions int
}

func (c *compactingJournal) Compact() error {
	c.compactions++
	return nil
}

type mockQueue struct {
	failures   int32
	failAlways bool
	calls      int
}

func (m *mockQueue) Enqueue(ports.JournalEntryID, *domain.Record) bool {
	m.calls++
	if m.failAlways {
		return false
	}
	if atomic.LoadInt32(&m.failures) > 0 {
		atomic.AddInt32(&m.failures, -1)
		return false
	}
	return true
}

func (m *mockQueue) DequeueBatch(int) []ports.QueuedRecord { return nil }
func (m *mockQueue) Len() int                              { return 0 }

type recordingSink struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	written   []*domain.Record
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) WriteBatch(records []*domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return errors.New("sink offline")
	}
	s.written = append(s.written, records...)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func (s *recordingSink) batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type mockObs struct {
	mu       sync.Mutex
	errors   []error
	counters map[string]float64
	dlq      int
}

func (m *mockObs) LogInfo(string, ...ports.Field) {}
func (m *mockObs) LogWarn(string, ...ports.Field) {}
func (m *mockObs) LogError(_ string, err error, _ ...ports.Field) {
	m.mu.Lock()
	m.errors = append(m.errors, err)
	m.mu.Unlock()
}
func (m *mockObs) LogCritical(string, error, ...ports.Field) {}
func (m *mockObs) IncCounter(name string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]float64)
	}
	m.counters[name] += v
}
func (m *mockObs) ObserveLatency(string, float64) {}
func (m *mockObs) SetGauge(string, float64)       {}
func (m *mockObs) RecordDLQ(ports.JournalEntryID, *domain.Record, error) {
	m.mu.Lock()
	m.dlq++
	m.mu.Unlock()
}

func (m *mockObs) errorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.errors)
}

func (m *mockObs) counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

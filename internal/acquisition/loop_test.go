package acquisition

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/adapters/transport"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/instrument"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

func TestRecordingStopsAtCapacity(t *testing.T) {
	reader := &stubReader{}
	fl := &captureFlusher{}
	l := New(reader, wideSample(), 1.27, WithFlusher(fl))
	startIdle(t, l)

	id, err := l.BeginRecording(3)
	if err != nil {
		t.Fatalf("begin recording: %v", err)
	}

	for i := 1; i <= 3; i++ {
		ev := l.ReadOnce(context.Background())
		if ev.Err != nil {
			t.Fatalf("tick %d: %v", i, ev.Err)
		}
		if ev.Saved != i || ev.Capacity != 3 || ev.CaptureID != id {
			t.Fatalf("tick %d: unexpected progress %+v", i, ev)
		}
		if ev.Flushed != (i == 3) {
			t.Fatalf("tick %d: flushed=%v", i, ev.Flushed)
		}
	}

	ev := l.ReadOnce(context.Background())
	if ev.Saved != 0 || ev.CaptureID != "" {
		t.Fatalf("expected no capture after completion, got %+v", ev)
	}
	if _, _, active := l.Recording(); active {
		t.Fatalf("expected recording to have ended")
	}

	batches := fl.batches()
	if len(batches) != 1 {
		t.Fatalf("expected exactly one flush, got %d", len(batches))
	}
	if len(batches[0]) != 3 {
		t.Fatalf("expected 3 records, got %d", len(batches[0]))
	}
	for i, r := range batches[0] {
		if r.Seq != uint64(i) || r.CaptureID != id {
			t.Fatalf("record %d: unexpected identity %+v", i, r)
		}
		if r.Metrics.SheetResistance <= 0 {
			t.Fatalf("record %d: missing metrics", i)
		}
	}
}

func TestBeginRecordingRequiresPolling(t *testing.T) {
	l := New(&stubReader{}, wideSample(), 1.27)

	if _, err := l.BeginRecording(5); !errors.Is(err, ErrNotMeasuring) {
		t.Fatalf("expected ErrNotMeasuring, got %v", err)
	}

	startIdle(t, l)
	for _, n := range []int{0, -1} {
		if _, err := l.BeginRecording(n); !errors.Is(err, ErrInvalidCapacity) {
			t.Fatalf("n=%d: expected ErrInvalidCapacity, got %v", n, err)
		}
	}

	l.Stop()
	if _, err := l.BeginRecording(5); !errors.Is(err, ErrNotMeasuring) {
		t.Fatalf("expected ErrNotMeasuring after stop, got %v", err)
	}
}

func TestReadFaultIsNotBuffered(t *testing.T) {
	reader := &stubReader{fail: map[int]error{2: instrument.ErrMalformedResponse}}
	fl := &captureFlusher{}
	l := New(reader, wideSample(), 1.27, WithFlusher(fl))
	startIdle(t, l)

	if _, err := l.BeginRecording(2); err != nil {
		t.Fatalf("begin recording: %v", err)
	}

	first := l.ReadOnce(context.Background())
	faulted := l.ReadOnce(context.Background())
	if !errors.Is(faulted.Err, instrument.ErrMalformedResponse) {
		t.Fatalf("expected a read fault, got %v", faulted.Err)
	}
	if faulted.Reading != first.Reading {
		t.Fatalf("expected the last good reading on fault")
	}
	if faulted.Saved != 1 {
		t.Fatalf("fault must not be buffered, saved=%d", faulted.Saved)
	}

	l.ReadOnce(context.Background())
	batches := fl.batches()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("expected one flush of 2 records, got %v", batches)
	}
	for _, r := range batches[0] {
		if r.Reading.IOuter == 0 {
			t.Fatalf("faulted reading leaked into the capture")
		}
	}
}

func TestReadFaultDoesNotStopLoop(t *testing.T) {
	reader := &stubReader{fail: map[int]error{2: instrument.ErrTimeout}}
	l := New(reader, wideSample(), 1.27)
	if err := l.Start(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	var sawFault bool
	good := 0
	deadline := time.After(2 * time.Second)
	for good < 3 {
		select {
		case ev := <-l.Events():
			if ev.Err != nil {
				sawFault = true
				continue
			}
			if sawFault {
				good++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events after a fault")
		}
	}
	if !l.Polling() {
		t.Fatalf("expected loop to keep polling after a read fault")
	}
}

func TestFatalErrorStopsLoop(t *testing.T) {
	fatal := &instrument.Fault{Class: instrument.ReadFault, Op: "read", Err: instrument.ErrDisconnected}
	reader := &stubReader{fail: map[int]error{1: fatal}}
	l := New(reader, wideSample(), 1.27)
	if err := l.Start(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	select {
	case ev := <-l.Events():
		if !instrument.IsFatal(ev.Err) {
			t.Fatalf("expected fatal event, got %v", ev.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the fatal event")
	}

	waitFor(t, func() bool { return !l.Polling() })
	calls := reader.count()
	time.Sleep(30 * time.Millisecond)
	if reader.count() != calls {
		t.Fatalf("expected no reads after a fatal error")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(&stubReader{}, wideSample(), 1.27)
	l.Stop()

	if err := l.Start(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.Start(context.Background(), 5*time.Millisecond); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	l.Stop()
	l.Stop()
	if l.Polling() {
		t.Fatalf("expected loop to be stopped")
	}

	reader := l.reader.(*stubReader)
	calls := reader.count()
	time.Sleep(30 * time.Millisecond)
	if reader.count() != calls {
		t.Fatalf("tick ran after Stop returned")
	}

	if err := l.Start(context.Background(), 0); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
}

func TestCancelRecordingDiscards(t *testing.T) {
	fl := &captureFlusher{}
	l := New(&stubReader{}, wideSample(), 1.27, WithFlusher(fl))
	startIdle(t, l)

	if _, err := l.BeginRecording(2); err != nil {
		t.Fatalf("begin recording: %v", err)
	}
	l.ReadOnce(context.Background())
	l.CancelRecording()
	l.ReadOnce(context.Background())
	l.ReadOnce(context.Background())

	if n := len(fl.batches()); n != 0 {
		t.Fatalf("expected no flush after cancel, got %d", n)
	}
}

func TestFlushFailureIsReported(t *testing.T) {
	boom := errors.New("disk full")
	fl := FlusherFunc(func(context.Context, []domain.Record) error { return boom })
	l := New(&stubReader{}, wideSample(), 1.27, WithFlusher(fl))
	startIdle(t, l)

	if _, err := l.BeginRecording(1); err != nil {
		t.Fatalf("begin recording: %v", err)
	}
	ev := l.ReadOnce(context.Background())
	if !errors.Is(ev.Err, ErrFlushFailed) || !errors.Is(ev.Err, boom) {
		t.Fatalf("expected wrapped flush error, got %v", ev.Err)
	}
	if _, _, active := l.Recording(); active {
		t.Fatalf("capture must end even when the flush fails")
	}
}

func TestWarnings(t *testing.T) {
	reader := &stubReader{reading: func(int) domain.RawReading {
		return domain.RawReading{VOuter: 0.5, IOuter: 1e-7, VInner: 1e-5, Compliance: true}
	}}
	obs := &countingObs{}
	l := New(reader, wideSample(), 1.27, WithObservability(obs))

	ev := l.ReadOnce(context.Background())
	if len(ev.Warnings) != 2 || ev.Warnings[0] != WarnCompliance || ev.Warnings[1] != WarnNearZeroCur {
		t.Fatalf("unexpected warnings %v", ev.Warnings)
	}
	if obs.get("fourpoint_compliance_warnings_total") != 1 {
		t.Fatalf("expected compliance counter")
	}
}

func TestEventsDropWhenFull(t *testing.T) {
	obs := &countingObs{}
	l := New(&stubReader{}, wideSample(), 1.27, WithEventBuffer(1), WithObservability(obs))

	l.emit(Event{})
	l.emit(Event{})
	if got := obs.get("fourpoint_events_dropped_total"); got != 1 {
		t.Fatalf("expected 1 dropped event, got %v", got)
	}
}

func TestCaptureIDsAreUnique(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	l := New(&stubReader{}, wideSample(), 1.27, WithClock(func() time.Time { return fixed }))
	startIdle(t, l)

	a, _ := l.BeginRecording(1)
	b, _ := l.BeginRecording(1)
	if a != "20260304_050607" || b != "20260304_050607_2" {
		t.Fatalf("unexpected capture ids %q %q", a, b)
	}
}

func TestLoopWithSimulatedSession(t *testing.T) {
	sim := transport.NewSimulator(250)
	dial := func(context.Context, string) (ports.Transport, error) { return sim, nil }

	cfg := domain.DefaultProbeConfig()
	cfg.SettleTime = 0
	err := instrument.With(context.Background(), dial, t.Name(), cfg, func(s *instrument.Session) error {
		l := New(s, wideSample(), cfg.SpacingMM)
		ev := l.ReadOnce(context.Background())
		if ev.Err != nil {
			return ev.Err
		}
		if math.Abs(ev.Metrics.SheetResistance-250) > 1e-6 {
			t.Fatalf("expected 250 ohm/sq, got %v", ev.Metrics.SheetResistance)
		}
		if ev.Metrics.CorrectionFactor != 1 {
			t.Fatalf("expected no correction on a wide sample, got %v", ev.Metrics.CorrectionFactor)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sim.Enabled(ports.SMU1) {
		t.Fatalf("expected source disabled after the session")
	}
}

func wideSample() domain.SampleSpec {
	return domain.SampleSpec{Geometry: domain.Rectangular(60, 60), ThicknessUM: 1}
}

// startIdle starts polling with an interval long enough that only ReadOnce
// drives ticks.
func startIdle(t *testing.T, l *Loop) {
	t.Helper()
	if err := l.Start(context.Background(), time.Hour); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(l.Stop)
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

type stubReader struct {
	mu      sync.Mutex
	calls   int
	last    domain.RawReading
	fail    map[int]error
	reading func(call int) domain.RawReading
}

func (s *stubReader) Read(context.Context) (domain.RawReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.fail[s.calls]; err != nil {
		return s.last, err
	}
	r := domain.RawReading{VOuter: 0.5, IOuter: 0.004 + float64(s.calls)*1e-6, VInner: 0.09, Timestamp: time.Now()}
	if s.reading != nil {
		r = s.reading(s.calls)
	}
	s.last = r
	return r, nil
}

func (s *stubReader) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type captureFlusher struct {
	mu  sync.Mutex
	got [][]domain.Record
}

func (f *captureFlusher) Flush(_ context.Context, records []domain.Record) error {
	f.mu.Lock()
	f.got = append(f.got, records)
	f.mu.Unlock()
	return nil
}

func (f *captureFlusher) batches() [][]domain.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]domain.Record(nil), f.got...)
}

type countingObs struct {
	ports.Nop
	mu       sync.Mutex
	counters map[string]float64
}

func (o *countingObs) IncCounter(name string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counters == nil {
		o.counters = make(map[string]float64)
	}
	o.counters[name] += v
}

func (o *countingObs) get(name string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters[name]
}

func TestCaptureSkipsFaults(t *testing.T) {
	reader := &stubReader{fail: map[int]error{2: instrument.ErrTimeout}}
	fl := &captureFlusher{}
	l := New(reader, wideSample(), 1.27, WithFlusher(fl))

	records, err := l.Capture(context.Background(), 3)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if len(records) != 3 || reader.count() != 4 {
		t.Fatalf("expected 3 records from 4 reads, got %d from %d", len(records), reader.count())
	}
	if batches := fl.batches(); len(batches) != 1 || len(batches[0]) != 3 {
		t.Fatalf("expected one flushed capture of 3, got %v", batches)
	}
}

func TestCaptureGivesUpOnPersistentFaults(t *testing.T) {
	fail := map[int]error{}
	for i := 1; i <= 10; i++ {
		fail[i] = instrument.ErrMalformedResponse
	}
	l := New(&stubReader{fail: fail}, wideSample(), 1.27)

	if _, err := l.Capture(context.Background(), 2); !errors.Is(err, ErrTooManyFaults) {
		t.Fatalf("expected ErrTooManyFaults, got %v", err)
	}
	if _, err := l.Capture(context.Background(), 0); !errors.Is(err, ErrInvalidCapacity) {
		t.Fatalf("expected ErrInvalidCapacity, got %v", err)
	}
}

func TestCaptureDoesNotFeedRecording(t *testing.T) {
	fl := &captureFlusher{}
	l := New(&stubReader{}, wideSample(), 1.27, WithFlusher(fl))
	startIdle(t, l)

	if _, err := l.BeginRecording(5); err != nil {
		t.Fatalf("begin recording: %v", err)
	}
	if _, err := l.Capture(context.Background(), 3); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if saved, capacity, active := l.Recording(); !active || saved != 0 || capacity != 5 {
		t.Fatalf("expected untouched recording 0/5, got %d/%d active=%v", saved, capacity, active)
	}
}

type slowReader struct {
	mu     sync.Mutex
	delay  time.Duration
	starts []time.Time
}

func (s *slowReader) Read(ctx context.Context) (domain.RawReading, error) {
	s.mu.Lock()
	s.starts = append(s.starts, time.Now())
	s.mu.Unlock()
	time.Sleep(s.delay)
	return domain.RawReading{VOuter: 0.5, IOuter: 0.004, VInner: 0.09, Timestamp: time.Now()}, nil
}

func (s *slowReader) startTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.starts...)
}

func TestOverrunningTickSkipsNext(t *testing.T) {
	const interval = 50 * time.Millisecond
	reader := &slowReader{delay: 70 * time.Millisecond}
	obs := &countingObs{}
	l := New(reader, wideSample(), 1.27, WithObservability(obs))

	if err := l.Start(context.Background(), interval); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return len(reader.startTimes()) >= 4 })
	l.Stop()

	starts := reader.startTimes()
	for i := 1; i < len(starts); i++ {
		// A queued tick would start as soon as the 70ms read ends; a skipped
		// one waits for the next 50ms boundary.
		if gap := starts[i].Sub(starts[i-1]); gap < interval*3/2 {
			t.Fatalf("tick %d started %s after the previous one: overrun tick was queued", i, gap)
		}
	}
	if obs.get("fourpoint_ticks_skipped_total") == 0 {
		t.Fatalf("expected skipped ticks to be counted")
	}
}

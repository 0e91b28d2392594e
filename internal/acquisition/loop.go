// Package acquisition polls an instrument session on a fixed interval, turns
// each reading into metrics and saves a bounded capture of records.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/calc"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/instrument"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

var (
	ErrNotMeasuring    = errors.New("acquisition: not measuring")
	ErrInvalidCapacity = errors.New("acquisition: points to save must be positive")
	ErrAlreadyRunning  = errors.New("acquisition: loop already running")
	ErrInvalidInterval = errors.New("acquisition: interval must be positive")
	ErrFlushFailed     = errors.New("acquisition: flush failed")
	ErrTooManyFaults   = errors.New("acquisition: too many read faults")
)

const NearZeroCurrentA = instrument.NearZeroCurrentA

const DefaultEventBuffer = 64

// Warnings attached to events.
const (
	WarnCompliance  = "compliance limit reached"
	WarnNearZeroCur = "near-zero current: check probe contact"
)

// Reader is the part of an instrument session the loop needs.
type Reader interface {
	Read(ctx context.Context) (domain.RawReading, error)
}

// Flusher receives each completed capture exactly once.
type Flusher interface {
	Flush(ctx context.Context, records []domain.Record) error
}

type FlusherFunc func(ctx context.Context, records []domain.Record) error

func (f FlusherFunc) Flush(ctx context.Context, records []domain.Record) error {
	return f(ctx, records)
}

// Event is emitted for every tick.
type Event struct {
	Time    time.Time
	Reading domain.RawReading
	Metrics domain.Metrics
	// Err is a read fault (Reading is then the last good reading) or a failed
	// flush wrapped in ErrFlushFailed.
	Err      error
	Warnings []string

	// Capture progress after this tick.
	CaptureID string
	Saved     int
	Capacity  int
	// Flushed is set on the tick that completed the capture.
	Flushed bool
}

type Option func(*Loop)

func WithObservability(obs ports.Observability) Option {
	return func(l *Loop) {
		if obs != nil {
			l.obs = obs
		}
	}
}

func WithFlusher(f Flusher) Option {
	return func(l *Loop) { l.flusher = f }
}

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.events = make(chan Event, n)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// Loop runs ticks one at a time. Stop must be called from outside the tick.
type Loop struct {
	reader    Reader
	sample    domain.SampleSpec
	spacingMM float64
	flusher   Flusher
	obs       ports.Observability
	now       func() time.Time
	events    chan Event

	tickMu sync.Mutex

	mu          sync.Mutex
	buf         *SampleBuffer
	lastCapture string
	captureDup  int

	ctlMu   sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}
	running atomic.Bool
}

func New(reader Reader, sample domain.SampleSpec, spacingMM float64, opts ...Option) *Loop {
	l := &Loop{
		reader:    reader,
		sample:    sample,
		spacingMM: spacingMM,
		obs:       ports.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.events == nil {
		l.events = make(chan Event, DefaultEventBuffer)
	}
	return l
}

// Events delivers one event per tick. It is never closed; a full channel
// drops events rather than delaying the next tick.
func (l *Loop) Events() <-chan Event { return l.events }

// Polling reports whether the tick goroutine is running.
func (l *Loop) Polling() bool { return l.running.Load() }

// Start begins polling every interval until Stop, ctx cancellation or a
// session-fatal error.
func (l *Loop) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	l.ctlMu.Lock()
	defer l.ctlMu.Unlock()
	if l.running.Load() {
		return ErrAlreadyRunning
	}
	l.stopCh = make(chan struct{})
	l.done = make(chan struct{})
	l.running.Store(true)

	go l.run(ctx, interval, l.stopCh, l.done)
	l.obs.LogInfo("acquisition_started", ports.Field{Key: "interval", Value: interval.String()})
	return nil
}

// Stop ends polling and waits for an in-flight tick. No tick starts after
// Stop returns. Safe before Start and when called twice.
func (l *Loop) Stop() {
	l.ctlMu.Lock()
	stop, done := l.stopCh, l.done
	l.stopCh, l.done = nil, nil
	l.ctlMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	l.obs.LogInfo("acquisition_stopped")
}

func (l *Loop) run(ctx context.Context, interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	defer l.running.Store(false)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case scheduled := <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			if time.Since(scheduled) >= interval {
				l.obs.IncCounter("fourpoint_ticks_skipped_total", 1)
				continue
			}

			ev := l.tick(ctx)
			l.emit(ev)
			if instrument.IsFatal(ev.Err) {
				l.obs.LogCritical("acquisition_aborted", ev.Err)
				return
			}

			// A tick that came due while this one ran is skipped, not queued.
			select {
			case <-ticker.C:
				l.obs.IncCounter("fourpoint_ticks_skipped_total", 1)
			default:
			}
		}
	}
}

// ReadOnce performs one tick synchronously and returns its event instead of
// publishing it. It shares the recording state with the polling loop.
func (l *Loop) ReadOnce(ctx context.Context) Event {
	return l.tick(ctx)
}

// Capture takes n good readings back to back, flushes them as one capture
// and returns the records. Read faults are skipped; more than n faults abort
// the capture. It does not require the polling loop and never feeds a
// recording started with BeginRecording.
func (l *Loop) Capture(ctx context.Context, n int) ([]domain.Record, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, n)
	}
	l.mu.Lock()
	buf := NewSampleBuffer(l.nextCaptureIDLocked(), n)
	l.mu.Unlock()

	faults := 0
	for !buf.Full() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.tickMu.Lock()
		ev := l.readSample(ctx)
		l.tickMu.Unlock()
		if ev.Err != nil {
			if instrument.IsFatal(ev.Err) {
				return nil, ev.Err
			}
			faults++
			if faults > n {
				return nil, fmt.Errorf("%w: %w", ErrTooManyFaults, ev.Err)
			}
			continue
		}
		buf.Append(ev.Reading, ev.Metrics)
	}

	records := buf.Snapshot()
	if err := l.flush(ctx, records); err != nil {
		return records, fmt.Errorf("%w: %w", ErrFlushFailed, err)
	}
	return records, nil
}

// BeginRecording starts a capture of n records and returns its id. Any
// capture in progress is discarded.
func (l *Loop) BeginRecording(n int) (string, error) {
	if !l.running.Load() {
		return "", ErrNotMeasuring
	}
	if n <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidCapacity, n)
	}

	l.mu.Lock()
	if l.buf != nil {
		l.obs.LogWarn("capture_replaced", ports.Field{Key: "capture_id", Value: l.buf.CaptureID()})
	}
	id := l.nextCaptureIDLocked()
	l.buf = NewSampleBuffer(id, n)
	l.mu.Unlock()

	l.obs.LogInfo("capture_started",
		ports.Field{Key: "capture_id", Value: id},
		ports.Field{Key: "points", Value: n})
	return id, nil
}

// CancelRecording drops the capture in progress without flushing it.
func (l *Loop) CancelRecording() {
	l.mu.Lock()
	buf := l.buf
	l.buf = nil
	l.mu.Unlock()

	if buf != nil {
		l.obs.LogInfo("capture_cancelled",
			ports.Field{Key: "capture_id", Value: buf.CaptureID()},
			ports.Field{Key: "saved", Value: buf.Len()})
	}
}

// Recording reports the progress of the active capture.
func (l *Loop) Recording() (saved, capacity int, active bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf == nil {
		return 0, 0, false
	}
	return l.buf.Len(), l.buf.Cap(), true
}

func (l *Loop) tick(ctx context.Context) Event {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	ev := l.readSample(ctx)
	if ev.Err != nil {
		l.progress(&ev)
		return ev
	}

	var snapshot []domain.Record
	l.mu.Lock()
	if l.buf != nil {
		ev.CaptureID = l.buf.CaptureID()
		ev.Capacity = l.buf.Cap()
		full := l.buf.Append(ev.Reading, ev.Metrics)
		ev.Saved = l.buf.Len()
		if full {
			snapshot = l.buf.Snapshot()
			ev.Flushed = true
			l.buf = nil
		}
	}
	l.mu.Unlock()

	if snapshot != nil {
		if err := l.flush(ctx, snapshot); err != nil {
			ev.Err = fmt.Errorf("%w: %w", ErrFlushFailed, err)
		}
	}
	return ev
}

// readSample reads the instrument once and derives metrics and warnings without
// touching the recording buffer. Callers hold tickMu.
func (l *Loop) readSample(ctx context.Context) Event {
	start := time.Now()
	r, err := l.reader.Read(ctx)
	l.obs.ObserveLatency("fourpoint_read_latency_seconds", time.Since(start).Seconds())
	l.obs.IncCounter("fourpoint_ticks_total", 1)

	ev := Event{Time: l.now(), Reading: r}
	if err != nil {
		ev.Err = err
		if r.IOuter != 0 {
			ev.Metrics = calc.ForReading(r, l.sample, l.spacingMM)
		}
		l.obs.IncCounter("fourpoint_read_faults_total", 1)
		l.obs.LogWarn("read_fault", ports.Field{Key: "error", Value: err.Error()})
		return ev
	}

	ev.Metrics = calc.ForReading(r, l.sample, l.spacingMM)
	if r.Compliance {
		ev.Warnings = append(ev.Warnings, WarnCompliance)
		l.obs.IncCounter("fourpoint_compliance_warnings_total", 1)
	}
	if math.Abs(r.IOuter) < NearZeroCurrentA {
		ev.Warnings = append(ev.Warnings, WarnNearZeroCur)
	}
	l.obs.SetGauge("fourpoint_sheet_resistance_ohm_sq", ev.Metrics.SheetResistance)
	l.obs.SetGauge("fourpoint_outer_current_amps", r.IOuter)
	return ev
}

func (l *Loop) progress(ev *Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf != nil {
		ev.CaptureID = l.buf.CaptureID()
		ev.Saved = l.buf.Len()
		ev.Capacity = l.buf.Cap()
	}
}

func (l *Loop) flush(ctx context.Context, records []domain.Record) error {
	sum := calc.Summarize(records)
	l.obs.LogInfo("capture_complete",
		ports.Field{Key: "capture_id", Value: records[0].CaptureID},
		ports.Field{Key: "points", Value: sum.N},
		ports.Field{Key: "sheet_resistance_mean", Value: sum.SheetResistance.Mean},
		ports.Field{Key: "sheet_resistance_std", Value: sum.SheetResistance.StdDev})

	if l.flusher == nil {
		return nil
	}
	if err := l.flusher.Flush(ctx, records); err != nil {
		l.obs.LogError("capture_flush_failed", err, ports.Field{Key: "capture_id", Value: records[0].CaptureID})
		return err
	}
	return nil
}

func (l *Loop) emit(ev Event) {
	select {
	case l.events <- ev:
	default:
		l.obs.IncCounter("fourpoint_events_dropped_total", 1)
	}
}

// nextCaptureIDLocked names captures after their start time, the way result
// files are named, with a suffix when two start within the same second.
func (l *Loop) nextCaptureIDLocked() string {
	id := l.now().Format("20060102_150405")
	if id == l.lastCapture {
		l.captureDup++
		return fmt.Sprintf("%s_%d", id, l.captureDup+1)
	}
	l.lastCapture = id
	l.captureDup = 0
	return id
}

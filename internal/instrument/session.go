// Package instrument owns the connection to a four-point-probe SMU and
// sequences configuration, acquisition and safe power-down.
//
// A Session is a state machine:
//
//	Disconnected --Connect--> Configuring --Configure--> Armed --Read--> Measuring
//
// A failed Read returns to Armed. DisableAndClose reaches Disabled from any
// state and always attempts to de-energise the source.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

// Limits accepted by Configure.
const (
	MaxVoltageLimitV = 20.0
	MaxCurrentLimitA = 0.5
)

// HelloSignature is what the firmware answers to "cloi hello".
const HelloSignature = "hello world"

// shutdownTimeout bounds the de-energise sequence independently of the
// caller's context, which may already be cancelled.
const shutdownTimeout = 5 * time.Second

// Dialer opens a transport to an address.
type Dialer func(ctx context.Context, address string) (ports.Transport, error)

// Option customises a Session.
type Option func(*Session)

// WithObservability routes session logs to obs.
func WithObservability(obs ports.Observability) Option {
	return func(s *Session) {
		if obs != nil {
			s.obs = obs
		}
	}
}

// WithClock overrides the reading timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// Session is the single owner of one instrument connection. Its methods are
// safe to call from multiple goroutines but are serialised; the device never
// sees interleaved commands.
type Session struct {
	mu       sync.Mutex
	address  string
	tr       ports.Transport
	obs      ports.Observability
	now      func() time.Time
	state    domain.SessionState
	cfg      domain.ProbeConfig
	identity string
	lastGood domain.RawReading
}

// Connect claims address, opens the transport and checks the hello
// signature. A second live session on the same address fails fast with
// ErrPortUnavailable.
func Connect(ctx context.Context, dial Dialer, address string, opts ...Option) (*Session, error) {
	s := &Session{
		address: address,
		obs:     ports.Nop{},
		now:     time.Now,
		state:   domain.StateDisconnected,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if !claim(address) {
		return nil, fault(ConnectionFault, "connect",
			fmt.Errorf("%w: %s already has an active session", ErrPortUnavailable, address))
	}

	tr, err := dial(ctx, address)
	if err != nil {
		release(address)
		return nil, fault(ConnectionFault, "connect", fmt.Errorf("%w: %v", ErrPortUnavailable, err))
	}
	if tr == nil {
		release(address)
		return nil, fault(ConnectionFault, "connect", fmt.Errorf("%w: dialer returned no transport", ErrPortUnavailable))
	}

	hello, err := tr.Hello(ctx)
	if err == nil && !strings.Contains(strings.ToLower(hello), HelloSignature) {
		err = fmt.Errorf("unexpected greeting %q", hello)
	}
	if err != nil {
		if cerr := tr.Close(); cerr != nil {
			s.obs.LogError("transport_close_failed", cerr, ports.Field{Key: "address", Value: address})
		}
		release(address)
		return nil, fault(ConnectionFault, "handshake", fmt.Errorf("%w: %v", ErrHandshakeFailed, err))
	}

	s.tr = tr
	s.identity = strings.TrimSpace(hello)
	s.state = domain.StateConfiguring
	s.obs.LogInfo("instrument_connected", ports.Field{Key: "address", Value: address})
	return s, nil
}

// Address returns the address the session was opened on.
func (s *Session) Address() string { return s.address }

// Identity returns the handshake greeting.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the probe configuration applied by the last successful
// Configure.
func (s *Session) Config() domain.ProbeConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// LastReading returns the most recent successful reading, zero before the first.
func (s *Session) LastReading() domain.RawReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastGood
}

// Configure applies cfg. Compliance limits are written, then confirmed with
// the device's error query, before any channel is enabled. On failure the outputs are de-energised and the session stays in
// Configuring so the caller can retry or close.
func (s *Session) Configure(ctx context.Context, cfg domain.ProbeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case domain.StateConfiguring, domain.StateArmed, domain.StateMeasuring:
	default:
		return fault(ConfigurationFault, "configure", fmt.Errorf("%w: %s", ErrInvalidState, s.state))
	}
	if err := ValidateProbe(cfg); err != nil {
		return fault(ConfigurationFault, "configure", err)
	}
	live := s.state != domain.StateConfiguring
	s.state = domain.StateConfiguring

	type step struct {
		name string
		fn   func() error
	}
	var steps []step
	if live {
		// The limit check must not see the old operating point.
		steps = append(steps, step{"zero source", func() error { return s.tr.SetVoltage(ctx, ports.SMU1, 0) }})
	}
	steps = append(steps, []step{
		{"limitv", func() error { return s.tr.SetVoltageLimit(ctx, ports.SMU1, cfg.VoltageLimitV) }},
		{"limiti", func() error { return s.tr.SetCurrentLimit(ctx, ports.SMU1, cfg.CurrentLimitA) }},
		{"limits", func() error { return s.checkLimitsLocked(ctx) }},
		{"filter smu1", func() error { return s.tr.SetFilter(ctx, ports.SMU1, int(cfg.SampleCount)) }},
		{"filter vsense1", func() error { return s.tr.SetFilter(ctx, ports.VSense1, int(cfg.SampleCount)) }},
		{"range", func() error { return s.tr.SetCurrentRange(ctx, ports.SMU1, cfg.CurrentRange) }},
		{"enable vsense1", func() error { return s.tr.SetEnabled(ctx, ports.VSense1, true) }},
		{"enable smu1", func() error { return s.tr.SetEnabled(ctx, ports.SMU1, true) }},
		{"source", func() error { return s.tr.SetVoltage(ctx, ports.SMU1, cfg.SourceVoltage()) }},
	}...)
	for _, st := range steps {
		if err := st.fn(); err != nil {
			return s.abortConfigureLocked(st.name, err)
		}
	}

	if err := sleepCtx(ctx, cfg.SettleTime); err != nil {
		return s.abortConfigureLocked("settle", err)
	}

	s.cfg = cfg
	s.state = domain.StateArmed
	s.obs.LogInfo("instrument_armed",
		ports.Field{Key: "address", Value: s.address},
		ports.Field{Key: "source_v", Value: cfg.SourceVoltage()},
		ports.Field{Key: "limit_v", Value: cfg.VoltageLimitV},
		ports.Field{Key: "limit_a", Value: cfg.CurrentLimitA})
	return nil
}

// checkLimitsLocked asks the device whether it flagged the limit writes.
// Setters get no reply, so this is the only place a firmware rejection shows.
func (s *Session) checkLimitsLocked(ctx context.Context) error {
	flagged, err := s.tr.ComplianceError(ctx, ports.SMU1)
	if err != nil {
		return err
	}
	if flagged {
		return fmt.Errorf("%w: device flagged the limits", ports.ErrRejected)
	}
	return nil
}

func (s *Session) abortConfigureLocked(step string, err error) error {
	mapped := mapTransportErr(err, ErrOutOfRange)
	if errors.Is(mapped, ErrDisconnected) {
		s.teardownLocked()
		return fault(ConnectionFault, "configure "+step, mapped)
	}
	s.deEnergizeLocked()
	return fault(ConfigurationFault, "configure "+step, mapped)
}

// Read samples the inner sense channel, then the outer source channel, and
// checks compliance. On a read fault the last good reading (zero before the
// first) is returned alongside the error and the session drops back to Armed.
// A lost link tears the session down.
func (s *Session) Read(ctx context.Context) (domain.RawReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case domain.StateArmed, domain.StateMeasuring:
	default:
		return s.lastGood, fault(ReadFault, "read", fmt.Errorf("%w: %s", ErrInvalidState, s.state))
	}

	innerReply, err := s.tr.Measure(ctx, ports.VSense1)
	if err != nil {
		return s.readFailedLocked("measure vsense1", mapTransportErr(err, ErrMalformedResponse))
	}
	outerReply, err := s.tr.Measure(ctx, ports.SMU1)
	if err != nil {
		return s.readFailedLocked("measure smu1", mapTransportErr(err, ErrMalformedResponse))
	}

	inner, err := parseValues(innerReply, 1)
	if err != nil {
		return s.readFailedLocked("parse vsense1", err)
	}
	outer, err := parseValues(outerReply, 2)
	if err != nil {
		return s.readFailedLocked("parse smu1", err)
	}

	compliance, err := s.tr.ComplianceError(ctx, ports.SMU1)
	if err != nil {
		mapped := mapTransportErr(err, ErrMalformedResponse)
		if errors.Is(mapped, ErrDisconnected) {
			return s.readFailedLocked("compliance", mapped)
		}
		s.obs.LogWarn("compliance_check_failed", ports.Field{Key: "error", Value: err.Error()})
		compliance = false
	}

	reading := domain.RawReading{
		VOuter:     outer[0],
		IOuter:     outer[1],
		VInner:     inner[0],
		Timestamp:  s.now(),
		Compliance: compliance,
	}
	s.lastGood = reading
	s.state = domain.StateMeasuring
	return reading, nil
}

func (s *Session) readFailedLocked(op string, err error) (domain.RawReading, error) {
	if errors.Is(err, ErrDisconnected) {
		s.obs.LogCritical("instrument_link_lost", err, ports.Field{Key: "address", Value: s.address})
		s.teardownLocked()
	} else {
		s.state = domain.StateArmed
	}
	return s.lastGood, fault(ReadFault, op, err)
}

// DisableAndClose zeroes the source, disables both channels, closes the
// transport and releases the address. Every step is attempted even if an
// earlier one failed; failures are logged and never returned. Calling it
// again is a no-op.
func (s *Session) DisableAndClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

func (s *Session) teardownLocked() {
	if s.tr == nil {
		if s.state != domain.StateDisconnected {
			s.state = domain.StateDisabled
		}
		return
	}

	s.deEnergizeLocked()
	s.shutdownStep("close", func(context.Context) error { return s.tr.Close() })

	s.tr = nil
	s.state = domain.StateDisabled
	release(s.address)
	s.obs.LogInfo("instrument_disabled", ports.Field{Key: "address", Value: s.address})
}

func (s *Session) deEnergizeLocked() {
	s.shutdownStep("zero source", func(ctx context.Context) error { return s.tr.SetVoltage(ctx, ports.SMU1, 0) })
	s.shutdownStep("disable smu1", func(ctx context.Context) error { return s.tr.SetEnabled(ctx, ports.SMU1, false) })
	s.shutdownStep("disable vsense1", func(ctx context.Context) error { return s.tr.SetEnabled(ctx, ports.VSense1, false) })
}

// shutdownStep runs fn and swallows any error or panic after logging it.
func (s *Session) shutdownStep(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.obs.LogError("shutdown_step_failed", fault(ShutdownFault, name, fmt.Errorf("panic: %v", r)))
		}
	}()
	if err := fn(ctx); err != nil {
		s.obs.LogError("shutdown_step_failed", fault(ShutdownFault, name, err),
			ports.Field{Key: "address", Value: s.address})
	}
}

// With connects, configures and runs fn, and de-energises and closes the
// session on every exit path, panics included.
func With(ctx context.Context, dial Dialer, address string, cfg domain.ProbeConfig, fn func(*Session) error, opts ...Option) error {
	s, err := Connect(ctx, dial, address, opts...)
	if err != nil {
		return err
	}
	defer s.DisableAndClose()

	if err := s.Configure(ctx, cfg); err != nil {
		return err
	}
	return fn(s)
}

// ValidateProbe checks cfg against what the engine will send to the device.
func ValidateProbe(cfg domain.ProbeConfig) error {
	switch {
	case !finitePositive(cfg.SpacingMM):
		return fmt.Errorf("%w: probe spacing %v mm", ErrOutOfRange, cfg.SpacingMM)
	case !finitePositive(cfg.VoltageLimitV) || cfg.VoltageLimitV > MaxVoltageLimitV:
		return fmt.Errorf("%w: voltage limit %v V (0, %v]", ErrOutOfRange, cfg.VoltageLimitV, MaxVoltageLimitV)
	case !finitePositive(cfg.CurrentLimitA) || cfg.CurrentLimitA > MaxCurrentLimitA:
		return fmt.Errorf("%w: current limit %v A (0, %v]", ErrOutOfRange, cfg.CurrentLimitA, MaxCurrentLimitA)
	case cfg.Polarity != 1 && cfg.Polarity != -1:
		return fmt.Errorf("%w: polarity %v, want +1 or -1", ErrOutOfRange, cfg.Polarity)
	case !cfg.SampleCount.Valid():
		return fmt.Errorf("%w: sample count %d", ErrOutOfRange, cfg.SampleCount)
	case cfg.CurrentRange > domain.Range200uA:
		return fmt.Errorf("%w: current range %s", ErrOutOfRange, cfg.CurrentRange)
	case math.IsNaN(cfg.DriveVoltageV) || math.Abs(cfg.SourceVoltage()) > cfg.VoltageLimitV:
		return fmt.Errorf("%w: drive %v V exceeds limit %v V", ErrOutOfRange, cfg.SourceVoltage(), cfg.VoltageLimitV)
	case cfg.SettleTime < 0:
		return fmt.Errorf("%w: settle time %s", ErrOutOfRange, cfg.SettleTime)
	}
	return nil
}

func finitePositive(v float64) bool { return v > 0 && !math.IsInf(v, 0) }

// mapTransportErr translates transport errors into session sentinels. other
// is used for device rejections and unrecognised failures.
func mapTransportErr(err error, other error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ports.ErrDisconnected):
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	case errors.Is(err, ports.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", other, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

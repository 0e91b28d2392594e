package transport

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

// Simulator is an in-process SMU wired to a uniform sheet. The outer loop sees
// the contact resistance in series with the sheet; the inner probes see the
// sheet alone. Readings respect the configured compliance limits.
type Simulator struct {
	SheetOhmsPerSq float64
	ContactOhms    float64
	Greeting       string

	// Fail, when set, is consulted before every operation; a non-nil error is
	// returned instead of performing it. op is the CLOI verb ("hello",
	// "enabled", "limitv", "limiti", "filter", "range", "voltage", "measure",
	// "error", "close").
	Fail func(op string, ch ports.Channel) error
	// Reply, when set, may rewrite a measure reply before it is returned.
	Reply func(ch ports.Channel, reply string) string

	mu       sync.Mutex
	enabled  map[ports.Channel]bool
	limitV   float64
	limitI   float64
	voltage  float64
	filter   map[ports.Channel]int
	rng      domain.CurrentRange
	closed   bool
	commands []string
}

// NewSimulator returns a healthy device measuring a sheet of the given
// resistance through 50 Ω of contact resistance.
func NewSimulator(sheetOhmsPerSq float64) *Simulator {
	return &Simulator{
		SheetOhmsPerSq: sheetOhmsPerSq,
		ContactOhms:    50,
		Greeting:       "Hello World",
		enabled:        make(map[ports.Channel]bool),
		filter:         make(map[ports.Channel]int),
		limitV:         domain.DefaultVoltageLimitV,
		limitI:         domain.DefaultCurrentLimitA,
	}
}

func (s *Simulator) Hello(ctx context.Context) (string, error) {
	if err := s.do("hello", "", "cloi hello"); err != nil {
		return "", err
	}
	return s.Greeting, nil
}

func (s *Simulator) SetEnabled(ctx context.Context, ch ports.Channel, on bool) error {
	if err := s.do("enabled", ch, fmt.Sprintf("%s set enabled %t", ch, on)); err != nil {
		return err
	}
	s.mu.Lock()
	s.enabled[ch] = on
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetVoltageLimit(ctx context.Context, ch ports.Channel, volts float64) error {
	if err := s.do("limitv", ch, fmt.Sprintf("%s set limitv %s", ch, formatFloat(volts))); err != nil {
		return err
	}
	s.mu.Lock()
	s.limitV = volts
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetCurrentLimit(ctx context.Context, ch ports.Channel, amps float64) error {
	if err := s.do("limiti", ch, fmt.Sprintf("%s set limiti %s", ch, formatFloat(amps))); err != nil {
		return err
	}
	s.mu.Lock()
	s.limitI = amps
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetFilter(ctx context.Context, ch ports.Channel, samples int) error {
	if err := s.do("filter", ch, fmt.Sprintf("%s set filter %d", ch, samples)); err != nil {
		return err
	}
	s.mu.Lock()
	s.filter[ch] = samples
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetCurrentRange(ctx context.Context, ch ports.Channel, r domain.CurrentRange) error {
	if err := s.do("range", ch, fmt.Sprintf("%s set range %s", ch, r)); err != nil {
		return err
	}
	s.mu.Lock()
	s.rng = r
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetVoltage(ctx context.Context, ch ports.Channel, volts float64) error {
	if err := s.do("voltage", ch, fmt.Sprintf("%s set voltage %s", ch, formatFloat(volts))); err != nil {
		return err
	}
	s.mu.Lock()
	s.voltage = volts
	s.mu.Unlock()
	return nil
}

func (s *Simulator) Measure(ctx context.Context, ch ports.Channel) (string, error) {
	if err := s.do("measure", ch, fmt.Sprintf("%s measure", ch)); err != nil {
		return "", err
	}

	s.mu.Lock()
	v, i, inner, _ := s.operatingPointLocked()
	s.mu.Unlock()

	var reply string
	switch ch {
	case ports.SMU1:
		reply = fmt.Sprintf("[%s, %s]", formatFloat(v), formatFloat(i))
	case ports.VSense1:
		reply = fmt.Sprintf("[%s]", formatFloat(inner))
	default:
		return "", fmt.Errorf("%w: unknown channel %q", ports.ErrRejected, ch)
	}
	if s.Reply != nil {
		reply = s.Reply(ch, reply)
	}
	return reply, nil
}

func (s *Simulator) ComplianceError(ctx context.Context, ch ports.Channel) (bool, error) {
	if err := s.do("error", ch, fmt.Sprintf("%s get error", ch)); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, _, clamped := s.operatingPointLocked()
	return clamped, nil
}

func (s *Simulator) Close() error {
	if err := s.do("close", "", "close"); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// operatingPointLocked returns the sourced voltage, loop current and inner
// voltage, and whether a compliance limit clamped them.
func (s *Simulator) operatingPointLocked() (v, i, inner float64, clamped bool) {
	if !s.enabled[ports.SMU1] {
		return 0, 0, 0, false
	}
	v = s.voltage
	if s.limitV > 0 && math.Abs(v) > s.limitV {
		v = math.Copysign(s.limitV, v)
		clamped = true
	}

	// Infinite-sheet inner resistance is Rs / K.
	innerOhms := s.SheetOhmsPerSq * math.Ln2 / math.Pi
	total := s.ContactOhms + 3*innerOhms
	if total > 0 {
		i = v / total
	}
	if s.limitI > 0 && math.Abs(i) > s.limitI {
		i = math.Copysign(s.limitI, i)
		clamped = true
	}
	if s.enabled[ports.VSense1] {
		inner = i * innerOhms
	}
	return v, i, inner, clamped
}

func (s *Simulator) do(op string, ch ports.Channel, cmd string) error {
	s.mu.Lock()
	closed := s.closed
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()

	if closed {
		return fmt.Errorf("%s: %w: port closed", cmd, ports.ErrDisconnected)
	}
	if s.Fail != nil {
		if err := s.Fail(op, ch); err != nil {
			return err
		}
	}
	return nil
}

// Enabled reports the channel's output state.
func (s *Simulator) Enabled(ch ports.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[ch]
}

// SourceVoltage reports the last programmed source voltage.
func (s *Simulator) SourceVoltage() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voltage
}

func (s *Simulator) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Commands returns every command the simulator received, in order.
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// CommandIndex returns the position of the first command with the prefix, or -1.
func (s *Simulator) CommandIndex(prefix string) int {
	for i, c := range s.Commands() {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

var _ ports.Transport = (*Simulator)(nil)

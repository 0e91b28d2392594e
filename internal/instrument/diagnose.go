package instrument

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

// NearZeroCurrentA is the outer current below which a reading most likely
// means an open circuit or a lifted probe.
const NearZeroCurrentA = 1e-6

// DiagnosticStep is the outcome of one stage of Diagnose.
type DiagnosticStep struct {
	Name string
	Err  error
}

// Diagnosis is the report produced by Diagnose. Measurement fields are zero
// when their step failed.
type Diagnosis struct {
	Identity        string
	Steps           []DiagnosticStep
	SourcedV        float64
	OuterCurrentA   float64
	InnerV          float64
	NearZeroCurrent bool
}

// Failed reports whether any step failed.
func (d Diagnosis) Failed() bool {
	for _, st := range d.Steps {
		if st.Err != nil {
			return true
		}
	}
	return false
}

// Diagnose exercises the instrument without the limit and filter setup of
// Configure: reset both channels, source driveV on SMU1 and measure it,
// enable and measure VSense1, then power down. A failing stage is recorded
// and the next one still runs. Only a failed connect is returned as an error.
func Diagnose(ctx context.Context, dial Dialer, address string, driveV float64, settle time.Duration, opts ...Option) (Diagnosis, error) {
	s, err := Connect(ctx, dial, address, opts...)
	if err != nil {
		return Diagnosis{}, err
	}
	defer s.DisableAndClose()

	s.mu.Lock()
	defer s.mu.Unlock()

	d := Diagnosis{Identity: s.identity}
	step := func(name string, fn func() error) {
		err := fn()
		if err != nil {
			if !errors.Is(err, ErrMalformedResponse) {
				err = mapTransportErr(err, ErrMalformedResponse)
			}
			err = fault(stepClass(name), name, err)
			s.obs.LogWarn("diagnostic_step_failed", ports.Field{Key: "step", Value: name}, ports.Field{Key: "error", Value: err.Error()})
		}
		d.Steps = append(d.Steps, DiagnosticStep{Name: name, Err: err})
	}

	step("reset", func() error {
		for _, fn := range []func() error{
			func() error { return s.tr.SetEnabled(ctx, ports.SMU1, false) },
			func() error { return s.tr.SetEnabled(ctx, ports.VSense1, false) },
			func() error { return s.tr.SetVoltage(ctx, ports.SMU1, 0) },
		} {
			if err := fn(); err != nil {
				return err
			}
		}
		return sleepCtx(ctx, settle)
	})

	step("smu1 source/measure", func() error {
		if err := s.tr.SetEnabled(ctx, ports.SMU1, true); err != nil {
			return err
		}
		if err := s.tr.SetVoltage(ctx, ports.SMU1, driveV); err != nil {
			return err
		}
		if err := sleepCtx(ctx, settle); err != nil {
			return err
		}
		reply, err := s.tr.Measure(ctx, ports.SMU1)
		if err != nil {
			return err
		}
		vals, err := parseValues(reply, 2)
		if err != nil {
			return err
		}
		d.SourcedV, d.OuterCurrentA = vals[0], vals[1]
		d.NearZeroCurrent = math.Abs(d.OuterCurrentA) < NearZeroCurrentA
		return nil
	})

	step("vsense1 measure", func() error {
		if err := s.tr.SetEnabled(ctx, ports.VSense1, true); err != nil {
			return err
		}
		if err := sleepCtx(ctx, settle); err != nil {
			return err
		}
		reply, err := s.tr.Measure(ctx, ports.VSense1)
		if err != nil {
			return err
		}
		vals, err := parseValues(reply, 1)
		if err != nil {
			return err
		}
		d.InnerV = vals[0]
		return nil
	})

	if d.NearZeroCurrent {
		s.obs.LogWarn("near_zero_current",
			ports.Field{Key: "current_a", Value: d.OuterCurrentA},
			ports.Field{Key: "threshold_a", Value: NearZeroCurrentA})
	}
	return d, nil
}

func stepClass(name string) FaultClass {
	if name == "reset" {
		return ConfigurationFault
	}
	return ReadFault
}

func (st DiagnosticStep) String() string {
	if st.Err != nil {
		return fmt.Sprintf("%s: FAILED (%v)", st.Name, st.Err)
	}
	return st.Name + ": ok"
}

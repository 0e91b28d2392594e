package ports

import (
	"context"
	"errors"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
)

// Channel names an SMU unit addressed by the command protocol.
type Channel string

const (
	// SMU1 sources voltage on the outer probes and measures the current.
	SMU1 Channel = "smu1"
	// VSense1 measures the voltage across the inner probes.
	VSense1 Channel = "vsense1"
)

// Transport errors. Adapters wrap their native errors with these so the
// session can classify faults without knowing the wire.
var (
	ErrTimeout      = errors.New("transport: timeout")
	ErrDisconnected = errors.New("transport: disconnected")
	ErrRejected     = errors.New("transport: command rejected")
)

// Transport is the fixed command set the measurement engine needs from an SMU.
// Implementations are not safe for concurrent use; the owning session
// serialises all calls.
type Transport interface {
	Hello(ctx context.Context) (string, error)
	SetEnabled(ctx context.Context, ch Channel, on bool) error
	SetVoltageLimit(ctx context.Context, ch Channel, volts float64) error
	SetCurrentLimit(ctx context.Context, ch Channel, amps float64) error
	SetFilter(ctx context.Context, ch Channel, samples int) error
	SetCurrentRange(ctx context.Context, ch Channel, r domain.CurrentRange) error
	SetVoltage(ctx context.Context, ch Channel, volts float64) error
	// Measure returns the raw reply; parsing belongs to the caller.
	Measure(ctx context.Context, ch Channel) (string, error)
	// ComplianceError reports whether the channel hit a configured limit.
	ComplianceError(ctx context.Context, ch Channel) (bool, error)
	Close() error
}

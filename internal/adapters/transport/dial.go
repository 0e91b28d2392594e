package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

// Connection kinds accepted by Dial.
const (
	KindUSB      = "usb"
	KindEthernet = "ethernet"
	KindSim      = "sim"
)

// Options configures Dial.
type Options struct {
	Kind     string
	BaudRate int
	Timeout  time.Duration
	// SimSheetOhms is the sheet resistance the simulator reports.
	SimSheetOhms float64
}

// Dialer returns a function that opens transports of the configured kind.
func Dialer(opts Options) func(ctx context.Context, address string) (ports.Transport, error) {
	return func(ctx context.Context, address string) (ports.Transport, error) {
		return Dial(ctx, address, opts)
	}
}

// Dial opens a transport to address.
func Dial(ctx context.Context, address string, opts Options) (ports.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch strings.ToLower(opts.Kind) {
	case "", KindUSB, "serial":
		if address == "" {
			return nil, fmt.Errorf("a serial port is required (e.g. /dev/ttyACM0 or COM3)")
		}
		return OpenSerial(address, opts.BaudRate, opts.Timeout)
	case KindEthernet, "tcp":
		if address == "" {
			return nil, fmt.Errorf("an IP address is required for an ethernet connection")
		}
		return DialTCP(address, opts.Timeout)
	case KindSim:
		sheet := opts.SimSheetOhms
		if sheet <= 0 {
			sheet = 100
		}
		return NewSimulator(sheet), nil
	default:
		return nil, fmt.Errorf("unknown connection kind %q", opts.Kind)
	}
}

package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

const DefaultBaudRate = 115200

type serialConn struct {
	port serial.Port
}

// OpenSerial opens a USB/serial connection to the SMU.
func OpenSerial(portName string, baud int, timeout time.Duration) (*CLOI, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	return newCLOI(&serialConn{port: port}, timeout), nil
}

func (s *serialConn) Write(p []byte) (int, error) { return s.port.Write(p) }

func (s *serialConn) readChunk(p []byte, deadline time.Time) (int, error) {
	wait := time.Until(deadline)
	if wait <= 0 {
		return 0, ports.ErrTimeout
	}
	if err := s.port.SetReadTimeout(wait); err != nil {
		return 0, fmt.Errorf("%w: %v", ports.ErrDisconnected, err)
	}
	n, err := s.port.Read(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ports.ErrDisconnected, err)
	}
	if n == 0 {
		return 0, ports.ErrTimeout
	}
	return n, nil
}

func (s *serialConn) discardInput() { _ = s.port.ResetInputBuffer() }

func (s *serialConn) Close() error { return s.port.Close() }

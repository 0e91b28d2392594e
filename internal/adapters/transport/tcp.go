package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

// DefaultTCPPort is the SMU's Ethernet command port.
const DefaultTCPPort = 8888

type tcpConn struct {
	conn net.Conn
}

// DialTCP connects to an SMU over Ethernet. A bare host gets DefaultTCPPort.
func DialTCP(address string, timeout time.Duration) (*CLOI, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(DefaultTCPPort))
	}
	dialTimeout := timeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return newCLOI(&tcpConn{conn: conn}, timeout), nil
}

func (t *tcpConn) Write(p []byte) (int, error) { return t.conn.Write(p) }

func (t *tcpConn) readChunk(p []byte, deadline time.Time) (int, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("%w: %v", ports.ErrDisconnected, err)
	}
	n, err := t.conn.Read(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, ports.ErrTimeout
		}
		return n, fmt.Errorf("%w: %v", ports.ErrDisconnected, err)
	}
	return n, nil
}

// Replies arrive only after a query, so there is nothing stale to drop.
func (t *tcpConn) discardInput() {}

func (t *tcpConn) Close() error { return t.conn.Close() }

// Package transport speaks the SMU's line-oriented CLOI command protocol over
// USB serial or TCP, and provides an in-process simulator.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

const (
	DefaultTimeout  = 2 * time.Second
	maxReplyLen     = 4096
	commandTerminal = "\n"
)

// lineConn is the byte stream under the codec. readChunk must return
// ports.ErrTimeout when nothing arrives before the deadline and wrap
// ports.ErrDisconnected when the link is gone.
type lineConn interface {
	Write(p []byte) (int, error)
	readChunk(p []byte, deadline time.Time) (int, error)
	discardInput()
	Close() error
}

// CLOI encodes the fixed command set as text commands, one per line.
// Setters are fire-and-forget, as the firmware sends no reply for them; callers
// that need confirmation follow them with ComplianceError.
type CLOI struct {
	conn    lineConn
	timeout time.Duration
	pending []byte
	buf     [256]byte
}

func newCLOI(c lineConn, timeout time.Duration) *CLOI {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CLOI{conn: c, timeout: timeout}
}

func (c *CLOI) Hello(ctx context.Context) (string, error) {
	return c.query(ctx, "cloi hello")
}

func (c *CLOI) SetEnabled(ctx context.Context, ch ports.Channel, on bool) error {
	return c.send(ctx, fmt.Sprintf("%s set enabled %s", ch, strconv.FormatBool(on)))
}

func (c *CLOI) SetVoltageLimit(ctx context.Context, ch ports.Channel, volts float64) error {
	return c.send(ctx, fmt.Sprintf("%s set limitv %s", ch, formatFloat(volts)))
}

func (c *CLOI) SetCurrentLimit(ctx context.Context, ch ports.Channel, amps float64) error {
	return c.send(ctx, fmt.Sprintf("%s set limiti %s", ch, formatFloat(amps)))
}

func (c *CLOI) SetFilter(ctx context.Context, ch ports.Channel, samples int) error {
	return c.send(ctx, fmt.Sprintf("%s set filter %d", ch, samples))
}

func (c *CLOI) SetCurrentRange(ctx context.Context, ch ports.Channel, r domain.CurrentRange) error {
	if r == domain.RangeAuto {
		return c.send(ctx, fmt.Sprintf("%s set autorange true", ch))
	}
	idx, ok := rangeIndex[r]
	if !ok {
		return fmt.Errorf("%w: current range %s", ports.ErrRejected, r)
	}
	if err := c.send(ctx, fmt.Sprintf("%s set autorange false", ch)); err != nil {
		return err
	}
	return c.send(ctx, fmt.Sprintf("%s set range %d", ch, idx))
}

func (c *CLOI) SetVoltage(ctx context.Context, ch ports.Channel, volts float64) error {
	return c.send(ctx, fmt.Sprintf("%s set voltage %s", ch, formatFloat(volts)))
}

func (c *CLOI) Measure(ctx context.Context, ch ports.Channel) (string, error) {
	return c.query(ctx, fmt.Sprintf("%s measure", ch))
}

func (c *CLOI) ComplianceError(ctx context.Context, ch ports.Channel) (bool, error) {
	reply, err := c.query(ctx, fmt.Sprintf("%s get error", ch))
	if err != nil {
		return false, err
	}
	return parseBool(reply)
}

func (c *CLOI) Close() error {
	return c.conn.Close()
}

// Firmware range numbers for the fixed current ranges.
var rangeIndex = map[domain.CurrentRange]int{
	domain.Range200mA: 1,
	domain.Range20mA:  2,
	domain.Range200uA: 4,
}

func (c *CLOI) send(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.conn.Write([]byte(cmd + commandTerminal)); err != nil {
		return fmt.Errorf("write %q: %w: %v", cmd, ports.ErrDisconnected, err)
	}
	return nil
}

func (c *CLOI) query(ctx context.Context, cmd string) (string, error) {
	c.pending = c.pending[:0]
	c.conn.discardInput()
	if err := c.send(ctx, cmd); err != nil {
		return "", err
	}
	line, err := c.readLine(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	if isErrorReply(line) {
		return "", fmt.Errorf("%s: %w: %s", cmd, ports.ErrRejected, line)
	}
	return line, nil
}

func (c *CLOI) readLine(ctx context.Context) (string, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := string(c.pending[:i])
			c.pending = append(c.pending[:0], c.pending[i+1:]...)
			return cleanReply(line), nil
		}
		if len(c.pending) > maxReplyLen {
			return "", fmt.Errorf("reply exceeds %d bytes", maxReplyLen)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !time.Now().Before(deadline) {
			return "", ports.ErrTimeout
		}

		n, err := c.conn.readChunk(c.buf[:], deadline)
		c.pending = append(c.pending, c.buf[:n]...)
		if err != nil {
			if errors.Is(err, ports.ErrTimeout) {
				continue
			}
			return "", err
		}
	}
}

func cleanReply(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}

func isErrorReply(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "error") || strings.HasPrefix(l, "err:")
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.Trim(s, "[] ")) {
	case "true", "1", "1.0":
		return true, nil
	case "false", "0", "0.0", "":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected boolean reply %q", s)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

var _ ports.Transport = (*CLOI)(nil)

package instrument

import (
	"errors"
	"fmt"
)

// Sentinel errors. Match them with errors.Is.
var (
	ErrPortUnavailable   = errors.New("instrument: port unavailable")
	ErrHandshakeFailed   = errors.New("instrument: handshake failed")
	ErrOutOfRange        = errors.New("instrument: configuration out of range")
	ErrTimeout           = errors.New("instrument: read timeout")
	ErrMalformedResponse = errors.New("instrument: malformed response")
	ErrDisconnected      = errors.New("instrument: disconnected")
	ErrInvalidState      = errors.New("instrument: invalid session state")
)

// FaultClass groups errors by how the caller should react.
type FaultClass uint8

const (
	// ConnectionFault: unreachable device or handshake mismatch. Reported, not retried.
	ConnectionFault FaultClass = iota + 1
	// ConfigurationFault: rejected limits or ranges. Aborts session start.
	ConfigurationFault
	// ReadFault: timeout or malformed reply. The poll is skipped.
	ReadFault
	// ShutdownFault: a de-energise step failed. Logged and swallowed.
	ShutdownFault
)

func (c FaultClass) String() string {
	switch c {
	case ConnectionFault:
		return "connection"
	case ConfigurationFault:
		return "configuration"
	case ReadFault:
		return "read"
	case ShutdownFault:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Fault is the error type returned by Session operations.
type Fault struct {
	Class FaultClass
	Op    string
	Err   error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault during %s: %v", f.Class, f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Fatal reports whether the session is gone and must be reconnected.
func (f *Fault) Fatal() bool { return errors.Is(f.Err, ErrDisconnected) }

func fault(class FaultClass, op string, err error) error {
	return &Fault{Class: class, Op: op, Err: err}
}

// ClassOf returns the fault class of err, or 0 if err is not a Fault.
func ClassOf(err error) FaultClass {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class
	}
	return 0
}

// IsFatal reports whether err ended the session.
func IsFatal(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Fatal()
}

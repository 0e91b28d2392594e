package fourpoint

import (
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/acquisition"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/app/pipeline"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/instrument"
)

// Instrument session errors. Match them with errors.Is.
var (
	ErrPortUnavailable   = instrument.ErrPortUnavailable
	ErrHandshakeFailed   = instrument.ErrHandshakeFailed
	ErrOutOfRange        = instrument.ErrOutOfRange
	ErrTimeout           = instrument.ErrTimeout
	ErrMalformedResponse = instrument.ErrMalformedResponse
	ErrDisconnected      = instrument.ErrDisconnected
	ErrInvalidState      = instrument.ErrInvalidState
)

// Acquisition and export errors.
var (
	ErrNotMeasuring  = acquisition.ErrNotMeasuring
	ErrFlushFailed   = acquisition.ErrFlushFailed
	ErrTooManyFaults = acquisition.ErrTooManyFaults
	ErrQueueFull     = pipeline.ErrQueueFull
	ErrLogFull       = pipeline.ErrLogFull
)

// IsFatal reports whether err means the instrument session is gone and must
// be reconnected.
func IsFatal(err error) bool { return instrument.IsFatal(err) }

package fourpoint

import (
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/acquisition"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/calc"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/instrument"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

// Record is one saved measurement as it flows through journal, queue and sinks.
type Record = domain.Record

// Reading is one raw poll of the instrument.
type Reading = domain.RawReading

// Metrics are the quantities derived from a Reading.
type Metrics = domain.Metrics

// Event is emitted by the acquisition loop for every tick.
type Event = acquisition.Event

// Summary holds mean and standard deviation of a capture.
type Summary = calc.Summary

// Transport is the SMU command surface.
type Transport = ports.Transport

// Dialer opens a Transport to an address.
type Dialer = instrument.Dialer

// Flusher receives completed captures from the acquisition loop.
type Flusher = acquisition.Flusher

// FlusherFunc adapts a function to Flusher.
type FlusherFunc = acquisition.FlusherFunc

// Sink consumes batches of records and persists them anywhere.
type Sink = ports.Sink

// Journal is the durable measurement log replayed on start.
type Journal = ports.Journal

// RecordQueue buffers journaled records on their way to the sink.
type RecordQueue = ports.RecordQueue

// Observability receives logs and metrics from every component.
type Observability = ports.Observability

// Field is a structured log field.
type Field = ports.Field

// JournalEntryID identifies a journal entry.
type JournalEntryID = ports.JournalEntryID

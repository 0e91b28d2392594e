package fourpoint

import (
	base "github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/pkg/fourpoint"
)

// Re-exported errors for convenience.
var (
	ErrNotStarted        = base.ErrNotStarted
	ErrAlreadyStarted    = base.ErrAlreadyStarted
	ErrChannelSinkClosed = base.ErrChannelSinkClosed
	ErrPortUnavailable   = base.ErrPortUnavailable
	ErrHandshakeFailed   = base.ErrHandshakeFailed
	ErrOutOfRange        = base.ErrOutOfRange
	ErrTimeout           = base.ErrTimeout
	ErrMalformedResponse = base.ErrMalformedResponse
	ErrDisconnected      = base.ErrDisconnected
	ErrNotMeasuring      = base.ErrNotMeasuring
	ErrFlushFailed       = base.ErrFlushFailed
	ErrQueueFull         = base.ErrQueueFull
	ErrLogFull           = base.ErrLogFull
)

// Type aliases so consumers can import the module root directly.
type (
	Config            = base.Config
	Policy            = base.Policy
	InstrumentConfig  = base.InstrumentConfig
	ProbeConfig       = base.ProbeConfig
	SampleConfig      = base.SampleConfig
	AcquisitionConfig = base.AcquisitionConfig
	ExportConfig      = base.ExportConfig
	PostgresConfig    = base.PostgresConfig
	MetricsConfig     = base.MetricsConfig
	Runtime           = base.Runtime
	RuntimeOption     = base.RuntimeOption
	Record            = base.Record
	Reading           = base.Reading
	Metrics           = base.Metrics
	Event             = base.Event
	Summary           = base.Summary
	RecordBatchFunc   = base.RecordBatchFunc
	Transport         = base.Transport
	Dialer            = base.Dialer
	Flusher           = base.Flusher
	FlusherFunc       = base.FlusherFunc
	Flow              = base.Flow
	FlowOption        = base.FlowOption
	SourceOption      = base.SourceOption
	ExportOption      = base.ExportOption
	Sink              = base.Sink
	Journal           = base.Journal
	RecordQueue       = base.RecordQueue
	Observability     = base.Observability
	Field             = base.Field
	JournalEntryID    = base.JournalEntryID
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func DefaultConfig() *Config {
	return base.DefaultConfig()
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithDialer(d Dialer) RuntimeOption {
	return base.WithDialer(d)
}

func WithSink(s Sink) RuntimeOption {
	return base.WithSink(s)
}

func WithJournal(j Journal) RuntimeOption {
	return base.WithJournal(j)
}

func WithQueue(q RecordQueue) RuntimeOption {
	return base.WithQueue(q)
}

func WithFlusher(f Flusher) RuntimeOption {
	return base.WithFlusher(f)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithMetricsServer(enabled bool) RuntimeOption {
	return base.WithMetricsServer(enabled)
}

// Sink adapters.
func NewCallbackSink(name string, fn RecordBatchFunc) Sink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (Sink, <-chan []Record, func()) {
	return base.NewChannelSink(name, buffer)
}

func IsFatal(err error) bool {
	return base.IsFatal(err)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func SourceDialer(d Dialer) SourceOption {
	return base.SourceDialer(d)
}

func SourceSimulator(sheetOhms float64) SourceOption {
	return base.SourceSimulator(sheetOhms)
}

func SourceJournal(j Journal) SourceOption {
	return base.SourceJournal(j)
}

func SourceQueue(q RecordQueue) SourceOption {
	return base.SourceQueue(q)
}

func SourceObservability(obs Observability) SourceOption {
	return base.SourceObservability(obs)
}

func ExportSink(s Sink) ExportOption {
	return base.ExportSink(s)
}

func ExportCallback(name string, fn RecordBatchFunc) ExportOption {
	return base.ExportCallback(name, fn)
}

func ExportFlusher(f Flusher) ExportOption {
	return base.ExportFlusher(f)
}

func ExportMetricsServer(enabled bool) ExportOption {
	return base.ExportMetricsServer(enabled)
}

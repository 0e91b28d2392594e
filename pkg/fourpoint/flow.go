package fourpoint

import (
	"context"
	"fmt"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/adapters/transport"
)

// Flow is a convenience builder that lets callers say Conf → Source → Export
// without touching the underlying wiring.
type Flow struct {
	cfg  *Config
	opts []RuntimeOption
}

// FlowOption mutates the Flow after configuration is loaded.
type FlowOption func(*Flow)

// SourceOption configures the instrument side: transport, journal, queue.
type SourceOption func(*Flow)

// ExportOption configures where saved captures go.
type ExportOption func(*Flow)

// Conf loads YAML from disk, applies FlowOption values, and returns a Flow builder.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig bootstraps a Flow from an in-memory Config.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	f := &Flow{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Config returns the underlying configuration so callers can tweak it before building a runtime.
func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Source records instrument-side overrides.
func (f *Flow) Source(opts ...SourceOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Export records export-side overrides and builds a Runtime ready to start.
func (f *Flow) Export(opts ...ExportOption) (*Runtime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return NewRuntime(f.cfg, f.opts...)
}

// Run is a shortcut for Export + Runtime.Run.
func (f *Flow) Run(ctx context.Context, opts ...ExportOption) error {
	rt, err := f.Export(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

// WithFlowOptions appends RuntimeOption values during Conf.
func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(opts...)
		}
	}
}

// SourceDialer injects a custom transport dialer.
func SourceDialer(d Dialer) SourceOption {
	return func(f *Flow) {
		if f != nil && d != nil {
			f.appendOptions(WithDialer(d))
		}
	}
}

// SourceSimulator replaces the instrument with an in-process SMU measuring a
// uniform sheet of sheetOhms Ω/sq.
func SourceSimulator(sheetOhms float64) SourceOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(WithDialer(transport.Dialer(transport.Options{Kind: transport.KindSim, SimSheetOhms: sheetOhms})))
		}
	}
}

// SourceJournal lets callers bring their own journal implementation.
func SourceJournal(j Journal) SourceOption {
	return func(f *Flow) {
		if f != nil && j != nil {
			f.appendOptions(WithJournal(j))
		}
	}
}

// SourceQueue swaps the in-memory export queue.
func SourceQueue(q RecordQueue) SourceOption {
	return func(f *Flow) {
		if f != nil && q != nil {
			f.appendOptions(WithQueue(q))
		}
	}
}

// SourceObservability overrides the default Prometheus-based observability stack.
func SourceObservability(obs Observability) SourceOption {
	return func(f *Flow) {
		if f != nil && obs != nil {
			f.appendOptions(WithObservability(obs))
		}
	}
}

// ExportSink replaces the configured CSV and Postgres sinks.
func ExportSink(s Sink) ExportOption {
	return func(f *Flow) {
		if f != nil && s != nil {
			f.appendOptions(WithSink(s))
		}
	}
}

// ExportCallback installs a sink built from a simple callback function.
func ExportCallback(name string, fn RecordBatchFunc) ExportOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(WithSink(NewCallbackSink(name, fn)))
		}
	}
}

// ExportFlusher bypasses the journal and receives completed captures directly.
func ExportFlusher(fl Flusher) ExportOption {
	return func(f *Flow) {
		if f != nil && fl != nil {
			f.appendOptions(WithFlusher(fl))
		}
	}
}

// ExportMetricsServer enables or disables the /metrics and /healthz server.
func ExportMetricsServer(enabled bool) ExportOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(WithMetricsServer(enabled))
		}
	}
}

func (f *Flow) appendOptions(opts ...RuntimeOption) {
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}

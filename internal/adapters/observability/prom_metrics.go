// Package observability implements ports.Observability with Prometheus
// metrics and slog logging.
package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

// Metric names.
const (
	TicksTotal          = "fourpoint_ticks_total"
	TicksSkipped        = "fourpoint_ticks_skipped_total"
	ReadFaults          = "fourpoint_read_faults_total"
	ComplianceWarnings  = "fourpoint_compliance_warnings_total"
	EventsDropped       = "fourpoint_events_dropped_total"
	RecordsExported     = "fourpoint_records_exported_total"
	ExportDropped       = "fourpoint_export_dropped_total"
	DLQTotal            = "fourpoint_dlq_total"
	SheetResistance     = "fourpoint_sheet_resistance_ohm_sq"
	OuterCurrent        = "fourpoint_outer_current_amps"
	ExportQueueLength   = "fourpoint_export_queue_length"
	JournalSizeBytes    = "fourpoint_journal_size_bytes"
	ReadLatencySeconds  = "fourpoint_read_latency_seconds"
	SinkLatencySeconds  = "fourpoint_sink_latency_seconds"
	CriticalErrorsTotal = "fourpoint_critical_errors_total"
)

var counterHelp = map[string]string{
	TicksTotal:          "Acquisition ticks executed.",
	TicksSkipped:        "Ticks skipped because the previous one overran the interval.",
	ReadFaults:          "Instrument reads that failed with a timeout or malformed reply.",
	ComplianceWarnings:  "Readings taken while a compliance limit was active.",
	EventsDropped:       "Tick events dropped because no consumer was keeping up.",
	RecordsExported:     "Saved records written to every sink.",
	ExportDropped:       "Saved records lost to journal or queue backpressure policies.",
	DLQTotal:            "Records that failed to export.",
	CriticalErrorsTotal: "Errors that stopped acquisition or export.",
}

var gaugeHelp = map[string]string{
	SheetResistance:   "Sheet resistance of the latest reading, ohm per square.",
	OuterCurrent:      "Outer-probe current of the latest reading, amps.",
	ExportQueueLength: "Saved records waiting in the export queue.",
	JournalSizeBytes:  "Size of the measurement journal on disk.",
}

var histoHelp = map[string]struct {
	help    string
	buckets []float64
}{
	ReadLatencySeconds: {"Time for one instrument read.", prometheus.ExponentialBuckets(0.005, 2, 12)},
	SinkLatencySeconds: {"Time to write one batch to the sinks.", prometheus.ExponentialBuckets(0.001, 2, 12)},
}

type PromObs struct {
	log      *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

type Option func(*options)

type options struct {
	reg prometheus.Registerer
	log *slog.Logger
}

// WithRegisterer registers the collectors on reg instead of the default
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func NewPromObs(opts ...Option) *PromObs {
	o := options{reg: prometheus.DefaultRegisterer, log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	p := &PromObs{
		log:      o.log,
		counters: make(map[string]prometheus.Counter, len(counterHelp)),
		gauges:   make(map[string]prometheus.Gauge, len(gaugeHelp)),
		histos:   make(map[string]prometheus.Observer, len(histoHelp)),
	}
	var collectors []prometheus.Collector
	for name, help := range counterHelp {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		p.counters[name] = c
		collectors = append(collectors, c)
	}
	for name, help := range gaugeHelp {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		p.gauges[name] = g
		collectors = append(collectors, g)
	}
	for name, h := range histoHelp {
		hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: h.help, Buckets: h.buckets})
		p.histos[name] = hist
		collectors = append(collectors, hist)
	}
	o.reg.MustRegister(collectors...)
	return p
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogWarn(msg string, fields ...ports.Field) {
	p.log.Warn(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(attrs(fields), slog.Any("err", err))...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.IncCounter(CriticalErrorsTotal, 1)
	p.log.Error(msg, append(attrs(fields), slog.Any("err", err), slog.Bool("critical", true))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDLQ(id ports.JournalEntryID, r *domain.Record, err error) {
	p.IncCounter(DLQTotal, 1)
	args := []any{slog.Uint64("journal_id", uint64(id)), slog.Any("err", err)}
	if r != nil {
		args = append(args, slog.String("capture_id", r.CaptureID), slog.Uint64("seq", r.Seq))
	}
	p.log.Warn("record_export_failed", args...)
}

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)

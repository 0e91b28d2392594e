// Package fourpoint is the embeddable four-point-probe measurement runtime:
// instrument session, acquisition loop and the journal → queue → sink export
// pipeline behind one lifecycle.
package fourpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/acquisition"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/adapters/journal"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/adapters/observability"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/adapters/queue"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/adapters/sink"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/adapters/transport"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/app/pipeline"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/calc"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/instrument"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

var (
	ErrNotStarted     = errors.New("fourpoint: runtime not started")
	ErrAlreadyStarted = errors.New("fourpoint: runtime already started")
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	dialer        Dialer
	sink          Sink
	journal       Journal
	queue         RecordQueue
	flusher       Flusher
	observability Observability
	metricsServer *bool
}

// WithDialer replaces the transport selected by instrument.connection, e.g.
// with a simulator or a test double.
func WithDialer(d Dialer) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.dialer = d
	}
}

// WithSink sends exported records to s instead of the configured CSV and
// Postgres sinks.
func WithSink(s Sink) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.sink = s
	}
}

// WithJournal reuses an existing journal instead of opening export.journal_dir.
func WithJournal(j Journal) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.journal = j
	}
}

// WithQueue injects a custom export queue.
func WithQueue(q RecordQueue) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.queue = q
	}
}

// WithFlusher hands completed captures to f instead of the export pipeline.
func WithFlusher(f Flusher) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.flusher = f
	}
}

// WithObservability plugs in a custom logging and metrics backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithMetricsServer enables or disables the /metrics and /healthz server.
// It is enabled by default.
func WithMetricsServer(enabled bool) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.metricsServer = &enabled
	}
}

// Runtime owns one instrument session and everything downstream of it.
type Runtime struct {
	cfg     *Config
	probe   domain.ProbeConfig
	sample  domain.SampleSpec
	policy  ports.Policy
	obs     ports.Observability
	dialer  Dialer
	journal ports.Journal
	queue   ports.RecordQueue
	sink    ports.Sink
	flusher acquisition.Flusher
	gate    *pipeline.CommitGate
	db      *sql.DB
	reg     *prometheus.Registry

	serveMetrics bool
	metricsSrv   *http.Server

	mu           sync.Mutex
	session      *instrument.Session
	loop         *acquisition.Loop
	ingestCancel context.CancelFunc
	ingestDone   chan struct{}
	gaugeStop    chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewRuntime bootstraps the default adapters (transport from config, file
// journal, in-memory queue, CSV and Postgres sinks, Prometheus observability).
// RuntimeOption values override any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	probe, err := cfg.ProbeSettings()
	if err != nil {
		return nil, err
	}
	if err := instrument.ValidateProbe(probe); err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	sample, err := cfg.SampleSpec()
	if err != nil {
		return nil, err
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	rt := &Runtime{
		cfg:          cfg,
		probe:        probe,
		sample:       sample,
		policy:       cfg.Policy,
		reg:          prometheus.NewRegistry(),
		serveMetrics: overrides.metricsServer == nil || *overrides.metricsServer,
	}

	rt.obs = overrides.observability
	if rt.obs == nil {
		rt.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rt.obs = observability.NewPromObs(observability.WithRegisterer(rt.reg), observability.WithLogger(slog.Default()))
	}

	rt.dialer = overrides.dialer
	if rt.dialer == nil {
		rt.dialer = transport.Dialer(cfg.TransportOptions())
	}

	rt.journal = overrides.journal
	if rt.journal == nil {
		j, err := journal.Open(cfg.Export.JournalDir)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		rt.journal = j
	}

	rt.queue = overrides.queue
	if rt.queue == nil {
		rt.queue = queue.NewMemQueue(cfg.Policy.MaxQueueLen)
	}

	rt.sink = overrides.sink
	if rt.sink == nil {
		if rt.sink, err = rt.defaultSinks(); err != nil {
			rt.closeStores()
			return nil, err
		}
	}

	rt.flusher = overrides.flusher
	if rt.flusher == nil {
		pub := pipeline.NewPublisher(rt.journal, rt.queue, rt.policy, rt.obs)
		rt.gate = pub.Gate()
		rt.flusher = pub
	}

	return rt, nil
}

func (rt *Runtime) defaultSinks() (ports.Sink, error) {
	var sinks sink.Multi
	if rt.cfg.Export.LegacyCSV != nil && *rt.cfg.Export.LegacyCSV {
		sinks = append(sinks, sink.NewCSVSink(rt.cfg.Export.ResultsDir, sink.LayoutLegacy))
	}
	if rt.cfg.Export.ExtendedCSV {
		sinks = append(sinks, sink.NewCSVSink(rt.cfg.Export.ResultsDir, sink.LayoutExtended))
	}
	if conn := rt.cfg.Export.Postgres.ConnString; conn != "" {
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return nil, err
		}
		pg, err := sink.NewPostgresSink(db, rt.cfg.Export.Postgres.Table)
		if err != nil {
			db.Close()
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pg.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		rt.db = db
		sinks = append(sinks, pg)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// Start connects and configures the instrument, starts the export ingest,
// replays journal entries that were never exported and begins polling. On any failure the instrument is left de-energised.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.session != nil {
		return ErrAlreadyStarted
	}

	session, err := instrument.Connect(ctx, rt.dialer, rt.cfg.DialAddress(), instrument.WithObservability(rt.obs))
	if err != nil {
		return err
	}
	if err := session.Configure(ctx, rt.probe); err != nil {
		session.DisableAndClose()
		return err
	}

	loop := acquisition.New(session, rt.sample, rt.probe.SpacingMM,
		acquisition.WithObservability(rt.obs),
		acquisition.WithFlusher(rt.flusher),
		acquisition.WithEventBuffer(rt.cfg.Acquisition.EventBuffer),
	)

	ingestCtx, cancel := context.WithCancel(context.Background())
	rt.ingestCancel = cancel
	rt.ingestDone = make(chan struct{})
	go func() {
		defer close(rt.ingestDone)
		pipeline.RunIngest(ingestCtx, rt.journal, rt.queue, rt.sink, rt.policy, rt.obs, pipeline.WithCommitGate(rt.gate))
	}()

	abort := func(err error) error {
		session.DisableAndClose()
		cancel()
		<-rt.ingestDone
		rt.ingestCancel = nil
		return err
	}
	if _, err := pipeline.Replay(ctx, rt.journal, rt.queue, rt.policy, rt.obs); err != nil {
		return abort(err)
	}
	if err := loop.Start(ctx, rt.cfg.Acquisition.Interval); err != nil {
		return abort(err)
	}

	rt.session = session
	rt.loop = loop
	rt.gaugeStop = make(chan struct{})
	go rt.recordGauges(rt.gaugeStop, time.Second)
	if rt.serveMetrics {
		rt.startMetrics()
	}
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled, then shuts down.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return rt.Shutdown(shutdownCtx)
}

// Events delivers one event per tick once the runtime is started.
func (rt *Runtime) Events() <-chan Event {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.loop == nil {
		return nil
	}
	return rt.loop.Events()
}

// BeginRecording starts a capture of n points; n <= 0 uses
// acquisition.points_to_save. It returns the capture id.
func (rt *Runtime) BeginRecording(n int) (string, error) {
	loop, err := rt.activeLoop()
	if err != nil {
		return "", err
	}
	if n <= 0 {
		n = rt.cfg.Acquisition.PointsToSave
	}
	return loop.BeginRecording(n)
}

// CancelRecording drops the capture in progress.
func (rt *Runtime) CancelRecording() {
	if loop, err := rt.activeLoop(); err == nil {
		loop.CancelRecording()
	}
}

// Measure takes n readings immediately, exports them as one capture and
// returns their summary. n <= 0 takes a single reading.
func (rt *Runtime) Measure(ctx context.Context, n int) (Summary, []Record, error) {
	loop, err := rt.activeLoop()
	if err != nil {
		return Summary{}, nil, err
	}
	if n <= 0 {
		n = 1
	}
	records, err := loop.Capture(ctx, n)
	if err != nil && len(records) == 0 {
		return Summary{}, nil, err
	}
	return calc.Summarize(records), records, err
}

// Session exposes the instrument session, nil before Start.
func (rt *Runtime) Session() *instrument.Session {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.session
}

func (rt *Runtime) activeLoop() (*acquisition.Loop, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.loop == nil {
		return nil, ErrNotStarted
	}
	return rt.loop, nil
}

// Shutdown stops polling, de-energises and closes the instrument, drains the
// export queue and closes the stores. It is safe to call more than once.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.shutdownOnce.Do(func() { rt.shutdownErr = rt.shutdown(ctx) })
	return rt.shutdownErr
}

func (rt *Runtime) shutdown(ctx context.Context) error {
	rt.mu.Lock()
	loop, session := rt.loop, rt.session
	rt.mu.Unlock()

	var errs []error
	if loop != nil {
		loop.Stop()
	}
	if session != nil {
		session.DisableAndClose()
	}

	if rt.gaugeStop != nil {
		close(rt.gaugeStop)
	}
	if rt.ingestCancel != nil {
		rt.ingestCancel()
		select {
		case <-rt.ingestDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("export drain: %w", ctx.Err()))
		}
	}

	if rt.metricsSrv != nil {
		if err := rt.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	errs = append(errs, rt.closeStores())
	return errors.Join(errs...)
}

func (rt *Runtime) closeStores() error {
	var errs []error
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rt *Runtime) startMetrics() {
	rt.metricsSrv = &http.Server{
		Addr:              rt.cfg.Metrics.Addr,
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := rt.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.obs.LogError("metrics_server_exited", err)
		}
	}()
}

// Handler serves /metrics from the runtime's registry and /healthz, which is
// healthy while the instrument is armed or measuring.
func (rt *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		state := domain.StateDisconnected
		if s := rt.Session(); s != nil {
			state = s.State()
		}
		if state != domain.StateArmed && state != domain.StateMeasuring {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_, _ = w.Write([]byte(state.String()))
	})
	return mux
}

func (rt *Runtime) recordGauges(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rt.obs.SetGauge(observability.JournalSizeBytes, float64(rt.journal.Stats().SizeBytes))
			rt.obs.SetGauge(observability.ExportQueueLength, float64(rt.queue.Len()))
		}
	}
}

package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

func TestPromObsMetrics(t *testing.T) {
	origReg := prometheus.DefaultRegisterer
	origGatherer := prometheus.DefaultGatherer
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGatherer
	})

	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	obs := NewPromObs(WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	obs.IncCounter(RecordsExported, 5)
	if got := testutil.ToFloat64(obs.counters[RecordsExported]); got != 5 {
		t.Fatalf("expected exported counter 5, got %f", got)
	}

	obs.IncCounter(ExportDropped, 2)
	if got := testutil.ToFloat64(obs.counters[ExportDropped]); got != 2 {
		t.Fatalf("expected export drop counter 2, got %f", got)
	}

	obs.SetGauge(SheetResistance, 42.5)
	if got := testutil.ToFloat64(obs.gauges[SheetResistance]); got != 42.5 {
		t.Fatalf("expected sheet resistance gauge 42.5, got %f", got)
	}

	obs.ObserveLatency(ReadLatencySeconds, 0.05)
	hCollector := obs.histos[ReadLatencySeconds].(prometheus.Collector)
	if samples := testutil.CollectAndCount(hCollector); samples != 1 {
		t.Fatalf("expected read latency histogram to record 1 sample, got %d", samples)
	}

	obs.RecordDLQ(1, nil, nil)
	if got := testutil.ToFloat64(obs.counters[DLQTotal]); got != 1 {
		t.Fatalf("expected dlq counter 1, got %f", got)
	}

	obs.IncCounter("not_a_metric", 1)
	obs.SetGauge("not_a_metric", 1)

	if n, err := testutil.GatherAndCount(reg, TicksTotal, JournalSizeBytes); err != nil || n != 2 {
		t.Fatalf("expected collectors on the default registry, got %d %v", n, err)
	}
}

func TestPromObsLogs(t *testing.T) {
	var buf bytes.Buffer
	obs := NewPromObs(
		WithRegisterer(prometheus.NewRegistry()),
		WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
	)

	obs.LogInfo("instrument_armed", ports.Field{Key: "address", Value: "/dev/ttyACM0"})
	obs.LogCritical("acquisition_aborted", errors.New("link lost"))
	obs.RecordDLQ(7, &domain.Record{CaptureID: "cap", Seq: 3}, errors.New("db down"))

	out := buf.String()
	for _, want := range []string{
		"msg=instrument_armed address=/dev/ttyACM0",
		`err="link lost" critical=true`,
		"journal_id=7",
		"capture_id=cap seq=3",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in log output:\n%s", want, out)
		}
	}
	if got := testutil.ToFloat64(obs.counters[CriticalErrorsTotal]); got != 1 {
		t.Fatalf("expected critical counter 1, got %f", got)
	}
}

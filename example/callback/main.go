package main

import (
	"context"
	"fmt"
	"log"
	"time"

	fourpoint "github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU"
)

func main() {
	cfg := fourpoint.DefaultConfig()
	cfg.Acquisition.Interval = 100 * time.Millisecond
	cfg.Export.JournalDir = "./data/journal"

	flow, err := fourpoint.ConfFromConfig(cfg)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	const points = 10
	done := make(chan struct{})
	var received int
	callback := func(batch []fourpoint.Record) error {
		for _, r := range batch {
			fmt.Printf("%s capture=%s seq=%d Rs=%.3f Ω/sq\n",
				r.Reading.Timestamp.Format(time.RFC3339Nano),
				r.CaptureID,
				r.Seq,
				r.Metrics.SheetResistance,
			)
		}
		received += len(batch)
		if received == points {
			close(done)
		}
		return nil
	}

	rt, err := flow.
		Source(fourpoint.SourceSimulator(250)).
		Export(fourpoint.ExportCallback("stdout", callback), fourpoint.ExportMetricsServer(false))
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	if _, err := rt.BeginRecording(points); err != nil {
		log.Fatalf("record: %v", err)
	}

	<-done
	if err := rt.Shutdown(context.Background()); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

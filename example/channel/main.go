package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	fourpoint "github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU"
)

func main() {
	cfg := fourpoint.DefaultConfig()
	cfg.Export.JournalDir = "./data/journal"

	sink, batches, closeBatches := fourpoint.NewChannelSink("fanout", 32)
	defer closeBatches()

	go fanoutWorker("export", batches)

	rt, err := fourpoint.NewRuntime(cfg,
		fourpoint.WithSink(sink),
		fourpoint.WithMetricsServer(false),
	)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	summary, _, err := rt.Measure(ctx, 20)
	if err != nil {
		log.Printf("measure: %v", err)
	} else {
		fmt.Printf("Rs = %.4g ± %.2g Ω/sq over %d readings\n",
			summary.SheetResistance.Mean, summary.SheetResistance.StdDev, summary.N)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func fanoutWorker(name string, batches <-chan []fourpoint.Record) {
	for batch := range batches {
		fmt.Printf("[%s] forwarding %d records at %s\n", name, len(batch), time.Now().Format(time.RFC3339))
	}
}

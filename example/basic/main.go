package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	fourpoint "github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU"
)

func main() {
	cfg := fourpoint.DefaultConfig()
	if addr := os.Getenv("FOURPOINT_ADDRESS"); addr != "" {
		cfg.Instrument.Address = addr
	}

	flow, err := fourpoint.ConfFromConfig(cfg)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := flow.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("runtime exited: %v", err)
	}
}

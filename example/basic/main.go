package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	metasysconnector "github.com/flightincorporated47/metasys-connector-backend"
)

func main() {
	cfg, err := metasysconnector.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	rt, err := metasysconnector.NewRuntime(cfg)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("connector exited: %v", err)
	}
}

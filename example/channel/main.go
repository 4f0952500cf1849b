package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	metasysconnector "github.com/flightincorporated47/metasys-connector-backend"
)

func main() {
	cfg, err := metasysconnector.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	sink, batches := metasysconnector.NewChannelSink("forward", 32)
	go forwardWorker("ingest", batches)

	rt, err := metasysconnector.NewRuntime(cfg, metasysconnector.WithSink(sink))
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("runtime error: %v", err)
	}
}

// forwardWorker drains batches until the runtime closes the sink.
func forwardWorker(name string, batches <-chan metasysconnector.Batch) {
	for b := range batches {
		fmt.Printf("[%s] batch %s with %d events at %s\n", name, b.ID, b.Count(), time.Now().Format(time.RFC3339))
	}
}

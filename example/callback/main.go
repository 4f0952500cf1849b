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

	callback := func(_ context.Context, b metasysconnector.Batch) error {
		for _, ev := range b.Events {
			fmt.Printf("%s batch=%s %s/%s=%v quality=%s\n",
				ev.Timestamp.Format(time.RFC3339Nano),
				b.ID,
				ev.AssetID,
				ev.PointID,
				ev.Value,
				ev.Quality,
			)
		}
		return nil
	}

	rt, err := metasysconnector.NewRuntime(cfg,
		metasysconnector.WithSink(metasysconnector.NewCallbackSink("stdout", callback)))
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("runtime error: %v", err)
	}
}

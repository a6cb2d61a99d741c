package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gigboard/project/internal/cdc"
	"github.com/gigboard/project/internal/platform/env"
	"github.com/gigboard/project/internal/platform/natsutil"
	"github.com/gigboard/project/internal/platform/ops"
	"github.com/gigboard/project/internal/store"
	"golang.org/x/sync/errgroup"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := env.String("STORE_DRIVER", store.DriverPostgres)
	dsn := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	opsAddr := env.String("OPS_ADDR", ":9090")
	batchSize := env.Int("CDC_BATCH_SIZE", 100)
	interval := env.Duration("CDC_POLL_INTERVAL", 250*time.Millisecond)
	retention := env.Duration("CDC_LOG_RETENTION", 24*time.Hour)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	s, err := store.Open(runCtx, driver, dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()
	if err := s.WaitReady(runCtx, 30*time.Second); err != nil {
		log.Fatal(err)
	}

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	changes := s.Tables().Changes
	relay := cdc.NewRelay(changes, client.PublishMsgID)
	relay.BatchSize = batchSize
	relay.Interval = interval

	g, ctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		log.Printf("cdc-relay publishing change log to %s", natsURL)
		return relay.Run(ctx)
	})
	g.Go(func() error {
		return prune(ctx, changes, retention)
	})
	g.Go(func() error {
		return ops.Serve(ctx, "cdc-relay", opsAddr, ops.Mux(s.Ping, ops.NATSConnected(client.Conn)), shutdownTimeout)
	})
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}

// prune drops published records once they are older than retention. The
// stream keeps its own copy for consumers.
func prune(ctx context.Context, changes *store.ChangeLog, retention time.Duration) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		n, err := changes.Prune(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			log.Printf("cdc-relay: prune failed: %v", err)
			continue
		}
		if n > 0 {
			log.Printf("cdc-relay: pruned %d published change records", n)
		}
	}
}

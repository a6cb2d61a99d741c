package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gigboard/project/internal/app/matching"
	"github.com/gigboard/project/internal/cdc"
	"github.com/gigboard/project/internal/messaging"
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
	opsAddr := env.String("OPS_ADDR", ":9091")
	batchSize := env.Int("CDC_BATCH_SIZE", 10)
	pageSize := env.Int("MATCH_PAGE_SIZE", matching.PageSize)
	ackWait := env.Duration("CDC_ACK_WAIT", time.Minute)
	maxDeliver := env.Int("CDC_MAX_DELIVER", 10)
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

	sub, err := client.PullSubscribe(messaging.CDCSubjects, "matching-engine", ackWait, maxDeliver)
	if err != nil {
		log.Fatal(err)
	}

	tables := s.Tables()
	engine := matching.NewEngine(tables)
	engine.Finder = matching.ScanFinder{Profiles: tables.Profiles, Tasks: tables.Tasks, PageSize: pageSize}

	consumer := &cdc.Consumer{
		Name:      "matching-engine",
		Source:    sub,
		Handle:    engine.Router().Handle,
		BatchSize: batchSize,
	}

	g, ctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		log.Println("Matching engine consuming subject:", sub.Subject)
		return consumer.Run(ctx)
	})
	g.Go(func() error {
		return ops.Serve(ctx, "matching-engine", opsAddr, ops.Mux(s.Ping, ops.NATSConnected(client.Conn)), shutdownTimeout)
	})
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}

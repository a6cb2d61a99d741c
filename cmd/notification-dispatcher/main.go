package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gigboard/project/internal/app/notify"
	"github.com/gigboard/project/internal/cdc"
	"github.com/gigboard/project/internal/messaging"
	"github.com/gigboard/project/internal/platform/env"
	"github.com/gigboard/project/internal/platform/expo"
	"github.com/gigboard/project/internal/platform/idempotency"
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
	redisAddr := env.String("REDIS_ADDR", "")
	expoURL := env.String("EXPO_API_URL", env.DefaultExpoURL)
	expoToken := env.String("EXPO_ACCESS_TOKEN", "")
	expoRPS := env.Int("EXPO_RPS", 6)
	opsAddr := env.String("OPS_ADDR", ":9092")
	batchSize := env.Int("CDC_BATCH_SIZE", 10)
	ackWait := env.Duration("CDC_ACK_WAIT", time.Minute)
	maxDeliver := env.Int("CDC_MAX_DELIVER", 10)
	debug := env.Bool("DEBUG", false)
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

	checks := []ops.Check{s.Ping, ops.NATSConnected(client.Conn)}

	// Without Redis the deterministic audit row id is the only dedup.
	var claimer notify.Claimer
	if redisAddr != "" {
		claims := idempotency.New(idempotency.Config{
			Addr:     redisAddr,
			Password: env.String("REDIS_PASSWORD", ""),
			DB:       env.Int("REDIS_DB", 0),
			TTL:      env.Duration("NOTIFY_DEDUP_TTL", idempotency.DefaultTTL),
		})
		defer func() { _ = claims.Close() }()
		claimer = claims
		checks = append(checks, claims.Ping)
	}

	sub, err := client.PullSubscribe(messaging.CDCSubjects, "notification-dispatcher", ackWait, maxDeliver)
	if err != nil {
		log.Fatal(err)
	}

	dispatcher := notify.NewDispatcher(s.Tables(), expo.NewClient(expoURL, expoToken, float64(expoRPS)), claimer)
	dispatcher.Debug = debug

	consumer := &cdc.Consumer{
		Name:      "notification-dispatcher",
		Source:    sub,
		Handle:    dispatcher.Router().Handle,
		BatchSize: batchSize,
	}

	g, ctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		log.Println("Notification dispatcher consuming subject:", sub.Subject)
		return consumer.Run(ctx)
	})
	g.Go(func() error {
		return ops.Serve(ctx, "notification-dispatcher", opsAddr, ops.Mux(checks...), shutdownTimeout)
	})
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}

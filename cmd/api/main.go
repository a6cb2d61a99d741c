package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gigboard/project/internal/app/api"
	"github.com/gigboard/project/internal/app/lifecycle"
	"github.com/gigboard/project/internal/platform/auth"
	"github.com/gigboard/project/internal/platform/env"
	"github.com/gigboard/project/internal/platform/ops"
	"github.com/gigboard/project/internal/store"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("API_ADDR", env.DefaultAPIAddr)
	uiOrigin := env.String("UI_ORIGIN", "http://localhost:8081")
	driver := env.String("STORE_DRIVER", store.DriverPostgres)
	dsn := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	tokenTTL := env.Duration("JWT_TTL", 24*time.Hour)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	s, err := store.Open(runCtx, driver, dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()
	if err := s.WaitReady(runCtx, 30*time.Second); err != nil {
		log.Fatal(err)
	}

	service := lifecycle.NewService(s.Tables())
	handler := api.NewHandler(service, auth.NewManager(jwtSecret, tokenTTL), uiOrigin)

	mux := ops.Mux(s.Ping)
	mux.Handle("/", handler.Router())

	if err := ops.Serve(runCtx, "api", addr, mux, shutdownTimeout); err != nil {
		log.Fatal(err)
	}
}

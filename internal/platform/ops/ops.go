// Package ops serves the liveness, readiness and metrics endpoints every
// binary exposes.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gigboard/project/internal/platform/metrics"
	"github.com/nats-io/nats.go"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Mux registers /healthz, /readyz and /metrics. Readiness fails on the first
// failing check.
func Mux(checks ...Check) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeOK(w)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 1500*time.Millisecond)
		defer cancel()
		for _, check := range checks {
			if err := check(checkCtx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		writeOK(w)
	})
	mux.Handle("/metrics", metrics.Default.Handler())
	return mux
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// NATSConnected fails unless conn is connected.
func NATSConnected(conn *nats.Conn) Check {
	return func(context.Context) error {
		if conn == nil {
			return errors.New("nats connection is nil")
		}
		if conn.Status() != nats.CONNECTED {
			return fmt.Errorf("nats is not connected: %s", conn.Status().String())
		}
		return nil
	}
}

// Serve runs handler on addr until ctx is done, then shuts down within
// shutdownTimeout.
func Serve(ctx context.Context, name, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("%s listening on %s", name, addr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s graceful shutdown: %w", name, err)
	}
	return nil
}

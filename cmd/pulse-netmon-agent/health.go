package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rcourtman/pulse-netmon/internal/hostagent"
)

var healthShutdownTimeout = 5 * time.Second

// healthSource is the part of the agent the health endpoints look at.
type healthSource interface {
	Ready() bool
	State() hostagent.State
}

type readiness struct {
	Ready bool   `json:"ready"`
	State string `json:"state"`
}

func healthHandler(agent healthSource) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Ready while the scheduler loops run; backoff still counts as ready.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		body := readiness{Ready: agent.Ready(), State: agent.State().String()}
		w.Header().Set("Content-Type", "application/json")
		if !body.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(body)
	})

	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// startHealthServer binds addr and serves until ctx is done. A bind failure is
// returned rather than logged from the serving goroutine.
func startHealthServer(ctx context.Context, addr string, agent healthSource, logger *zerolog.Logger) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:      healthHandler(agent),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), healthShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to shut down health server")
		}
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Msg("Health server stopped unexpectedly")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("Health and metrics endpoints listening")
	return ln.Addr(), nil
}

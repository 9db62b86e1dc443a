// Package health serves the liveness, readiness and metrics endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check is one named readiness check; a non-nil error marks not-ready.
type Check func() error

// Server exposes /healthz, /readyz and /metrics.
type Server struct {
	srv    *http.Server
	checks map[string]Check
	logger *slog.Logger
}

// New builds the server on the given port with the given readiness checks.
func New(port int, checks map[string]Check, logger *slog.Logger) *Server {
	s := &Server{
		checks: checks,
		logger: logger.With("component", "health"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("health server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			errc <- err
		}
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutCtx)
		return ctx.Err()
	}
}

// handleHealthz is pure liveness: the process is up.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz runs every check and reports per-check status; any failure
// yields 503.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	body := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(); err != nil {
			status = http.StatusServiceUnavailable
			body[name] = err.Error()
			continue
		}
		body[name] = "ok"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Package statusserver exposes a read-only HTTP surface over the
// endpoint's own health, registration status, and Prometheus metrics:
// /healthz, /status, /metrics.
package statusserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// StatusSource is the subset of Coordinator/Diagnostics the status
// server reads from.
type StatusSource interface {
	Status() string
	ActiveCalls() int
}

// DiagnosticsSource is the subset of Diagnostics the status server
// dumps as JSON under /status.
type DiagnosticsSource interface {
	Counts() map[string]int64
}

// Server wraps the read-only diagnostics/metrics HTTP surface.
type Server struct {
	httpServer *http.Server
	source     StatusSource
	diag       DiagnosticsSource
}

// New builds a Server bound to addr (e.g. ":8090"), reading state from
// source and diag. The Prometheus registry's own registerer is
// separate; /metrics always serves promhttp.Handler()'s default
// gatherer, which the caller's Diagnostics instance must have
// registered its counters against.
func New(addr string, source StatusSource, diag DiagnosticsSource) *Server {
	s := &Server{source: source, diag: diag}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           corsHandler.Handler(r),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the status surface until the server is
// shut down or fails to bind.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server, waiting for in-flight
// requests up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sip_status":   s.source.Status(),
		"active_calls": s.source.ActiveCalls(),
		"event_counts": s.diag.Counts(),
	})
}

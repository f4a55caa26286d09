// Package httpapi is the View Syncer process's operational HTTP surface:
// health, Prometheus metrics, and a read-only debug view into groups this
// process is currently serving. None of it is part of the client-facing
// sync protocol, which runs over internal/client's own connection handling.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/viewsyncd/viewsyncer/internal/viewsyncer"
)

// Server builds the gorilla/mux router for the operational surface.
type Server struct {
	registry *viewsyncer.Registry
	logger   *slog.Logger
}

// NewServer builds a Server reading from registry.
func NewServer(registry *viewsyncer.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{registry: registry, logger: logger.With("component", "httpapi")}
}

// Router builds the http.Handler for this server's routes, wrapped in the
// request-id, logging, and recovery middleware chain.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/debug/groups/{clientGroupID}", s.handleDebugGroup).Methods(http.MethodGet)

	return r
}

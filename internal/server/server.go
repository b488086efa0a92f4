// Package server implements the HTTP transport layer for the Prism proxy.
package server

import (
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prismproxy/prism/internal/dispatch"
	"github.com/prismproxy/prism/internal/router"
	"github.com/prismproxy/prism/internal/telemetry"
)

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Routes     *router.Table
	Metrics    *telemetry.Metrics      // nil = no metrics endpoint or middleware
	Registry   prometheus.Gatherer     // used by /metrics when Metrics is set
	MaxBody    int64                   // request body cap; 0 = default
}

// Server is the HTTP handler with a drain flag for graceful shutdown.
type Server struct {
	deps     Deps
	handler  http.Handler
	draining atomic.Bool
}

// defaultMaxBody caps inbound request bodies.
const defaultMaxBody = 32 << 20

// New creates a Server with all routes and middleware wired.
func New(deps Deps) *Server {
	if deps.MaxBody <= 0 {
		deps.MaxBody = defaultMaxBody
	}
	s := &Server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(s.drainCheck)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/v1/models", s.handleListModels)

	r.Post("/v1/chat/completions", s.handleOpenAI)
	r.Post("/v1/messages", s.handleAnthropic)
	r.Post("/v1beta/models/*", s.handleGemini)

	if deps.Metrics != nil && deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	s.handler = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// SetDraining switches new chat requests to 503 while in-flight ones finish.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

// drainCheck rejects new work during shutdown. Health stays up so load
// checkers see the drain rather than a connection error.
func (s *Server) drainCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() && r.Method == http.MethodPost {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":{"message":"server is shutting down","type":"unavailable_error"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

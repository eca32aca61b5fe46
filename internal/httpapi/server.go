// Package httpapi serves the daemon's status API: connected devices,
// tracked connections, the event journal, health, prometheus metrics and
// the live websocket feed.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Zereker/communicator"
	"github.com/Zereker/communicator/config"
	"github.com/Zereker/communicator/observer"
	"github.com/Zereker/communicator/observer/journal"
)

const (
	gracefulShutdownTimeout = 10 * time.Second
	healthCheckTimeout      = 2 * time.Second
)

// HealthChecker is implemented by every backing service the daemon talks to.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// EventSource answers event history queries.
type EventSource interface {
	Recent(ctx context.Context, q journal.Query) ([]observer.Event, error)
}

// Deps holds what the server reads from. Registry and Logger are required.
type Deps struct {
	Config   config.HTTPConfig
	Logger   *slog.Logger
	Registry *communicator.Registry
	Gatherer prometheus.Gatherer
	Feed     http.Handler
	Events   EventSource
	Checks   map[string]HealthChecker
	Version  string
}

// Server is the status API server.
type Server struct {
	deps   Deps
	logger *slog.Logger
	server *http.Server
}

// New validates deps and builds the server without listening.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("registry is required")
	}
	return &Server{deps: deps, logger: deps.Logger}, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	if s.deps.Feed != nil {
		r.Handle("/ws", s.deps.Feed)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Route("/connections", func(r chi.Router) {
			r.Get("/", s.handleListConnections)
			r.Get("/{id}", s.handleGetConnection)
			r.Post("/{id}/disconnect", s.handleDisconnect)
		})
		r.Get("/events", s.handleListEvents)
	})
	return r
}

// Start listens on the configured address and serves in the background.
// Listen errors are returned; serve errors after that are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.deps.Config.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.deps.Config.Listen, err)
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.deps.Config.ReadTimeoutDuration(),
		ReadHeaderTimeout: s.deps.Config.ReadTimeoutDuration(),
		WriteTimeout:      s.deps.Config.WriteTimeoutDuration(),
	}

	s.logger.Info("http server starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Close waits for in-flight requests, then stops the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("http server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

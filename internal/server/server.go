// Package server implements the HTTP server for the Vertex AI proxy.
// It mounts the proxy routes behind the request middleware, serves
// health and metrics endpoints, and manages the server lifecycle.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sofatutor/vertex-proxy/internal/config"
	"github.com/sofatutor/vertex-proxy/internal/eventbus"
	"github.com/sofatutor/vertex-proxy/internal/middleware"
	"github.com/sofatutor/vertex-proxy/internal/proxy"
	"go.uber.org/zap"
)

// Version is the application version, following semantic versioning.
const Version = "0.1.0"

// Server represents the HTTP server for the proxy.
// It encapsulates the underlying http.Server along with the forwarder,
// the observability event bus and the metrics registry.
type Server struct {
	server    *http.Server
	config    *config.Config
	logger    *zap.Logger
	forwarder *proxy.Forwarder
	bus       eventbus.EventBus
	registry  *prometheus.Registry
	startTime time.Time

	shuttingDown atomic.Bool
	drainDone    chan struct{}
}

// HealthResponse is the response body for the health check endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`    // Service status, "ok" for a healthy system
	Timestamp time.Time `json:"timestamp"` // Current server time
	Version   string    `json:"version"`   // Application version number
	Uptime    string    `json:"uptime"`    // Time since the server was created
}

// Options bundles the collaborators a Server needs besides its configuration.
type Options struct {
	Forwarder *proxy.Forwarder
	Logger    *zap.Logger
	// Registry is served at the metrics path; nil disables the endpoint.
	Registry *prometheus.Registry
	// EventBus receives one event per proxied request; nil disables publishing.
	EventBus eventbus.EventBus
}

// New creates a new HTTP server. The server is not started until Start is called.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if opts.Forwarder == nil {
		return nil, errors.New("forwarder is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:    cfg,
		logger:    logger,
		forwarder: opts.Forwarder,
		bus:       opts.EventBus,
		registry:  opts.Registry,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /live", s.handleLive)

	if cfg.EnableMetrics && s.registry != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	}

	obs := middleware.NewObservabilityMiddleware(middleware.ObservabilityConfig{
		Enabled:  s.bus != nil,
		EventBus: s.bus,
	}, logger)
	mux.Handle("/", middleware.Chain(s.forwarder.Handler(),
		middleware.NewRequestIDMiddleware(),
		obs.Middleware(),
	))

	s.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// Streams may legitimately outlive any fixed write deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	if bus, ok := s.bus.(*eventbus.InMemoryEventBus); ok {
		s.drainDone = make(chan struct{})
		go s.drainEvents(bus.Subscribe())
	}

	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server. It blocks until the server is shut down or
// fails, and returns http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("Server starting",
		zap.String("addr", s.server.Addr),
		zap.String("upstream", s.config.BaseURL()),
		zap.String("version", Version))
	return s.server.ListenAndServe()
}

// busStats is implemented by both event bus backends.
type busStats interface {
	Stats() (published, dropped int)
}

// Shutdown gracefully shuts down the server, then closes the event bus
// and releases idle upstream connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	err := s.server.Shutdown(ctx)

	if s.bus != nil {
		if cerr := s.bus.Close(); cerr != nil {
			s.logger.Warn("Failed to close event bus", zap.Error(cerr))
		}
		if st, ok := s.bus.(busStats); ok {
			published, dropped := st.Stats()
			s.logger.Info("Event bus closed",
				zap.Int("published", published),
				zap.Int("dropped", dropped))
		}
	}
	if s.drainDone != nil {
		select {
		case <-s.drainDone:
		case <-ctx.Done():
		}
	}
	s.forwarder.Close()

	if err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// drainEvents logs request events from the in-memory bus until it is closed.
func (s *Server) drainEvents(events <-chan eventbus.Event) {
	defer close(s.drainDone)
	for evt := range events {
		s.logger.Debug("Request event",
			zap.String("request_id", evt.RequestID),
			zap.String("method", evt.Method),
			zap.String("path", evt.Path),
			zap.Int("status", evt.Status),
			zap.Bool("stream", evt.Stream),
			zap.Int64("response_bytes", evt.ResponseBytes),
			zap.Duration("duration", evt.Duration))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Error encoding health response", zap.Error(err))
	}
}

// handleReady reports 503 once shutdown has begun so load balancers drain traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}

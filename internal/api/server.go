// Package api provides the HTTP REST API for Metergrid.
//
// It exposes account registration and login, the caller's device list,
// per-meter readings and energy aggregates, and meter control commands.
// Every per-meter route is ownership-checked in the query layer.
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start()
//	defer server.Close()
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wattwise/metergrid-core/internal/audit"
	"github.com/wattwise/metergrid-core/internal/auth"
	"github.com/wattwise/metergrid-core/internal/infrastructure/config"
	"github.com/wattwise/metergrid-core/internal/infrastructure/logging"
	"github.com/wattwise/metergrid-core/internal/query"
)

// Timeout defaults applied when the config leaves them zero.
const (
	gracefulShutdownTimeout = 10 * time.Second
	defaultReadTimeout      = 15 * time.Second
	defaultWriteTimeout     = 15 * time.Second
	defaultIdleTimeout      = 60 * time.Second
)

// HealthChecker reports per-component health for the /api/health
// endpoint.
type HealthChecker func(ctx context.Context) map[string]string

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Auth    *auth.Service
	Query   *query.Service
	Audit   audit.Recorder   // optional, nil disables the activity trail
	Health  HealthChecker    // optional
	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg     config.APIConfig
	logger  *logging.Logger
	auth    *auth.Service
	query   *query.Service
	audit   audit.Recorder
	health  HealthChecker
	version string
	server  *http.Server
}

// New creates an API server. The listener is not bound until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("auth service is required")
	}
	if deps.Query == nil {
		return nil, fmt.Errorf("query service is required")
	}

	s := &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		auth:    deps.Auth,
		query:   deps.Query,
		audit:   deps.Audit,
		health:  deps.Health,
		version: deps.Version,
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", deps.Config.Host, deps.Config.Port),
		Handler:      s.buildRouter(),
		ReadTimeout:  timeoutOrDefault(deps.Config.Timeouts.Read, defaultReadTimeout),
		WriteTimeout: timeoutOrDefault(deps.Config.Timeouts.Write, defaultWriteTimeout),
		IdleTimeout:  timeoutOrDefault(deps.Config.Timeouts.Idle, defaultIdleTimeout),
	}

	return s, nil
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("api server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", "error", err)
		}
	}()
}

// Close drains in-flight requests and shuts the server down.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down api server: %w", err)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleHealth reports process and component health. No auth required.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	if s.health != nil {
		components = s.health(r.Context())
	}

	status := "ok"
	for _, state := range components {
		if state != "ok" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}

func timeoutOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/valwatch/health"
	json "github.com/goccy/go-json"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Source exposes the application health state.
type Source interface {
	// Last returns the latest application check result.
	Last() health.AppHealth
	// State returns the supervisor state.
	State() health.State
	// LastCompleted returns the last job completion time per queue.
	LastCompleted() map[string]time.Time
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	source   Source
	logger   *slog.Logger
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, source Source, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config: cfg,
		source: source,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listener's network address.
// Returns "" if the server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

// handleHealth implements the liveness probe. It fails only once the
// supervisor gave up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := s.source.State()
	resp := HealthResponse{Status: "healthy", State: state.String()}
	code := http.StatusOK
	if state == health.Failed {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status        string               `json:"status"`
	State         string               `json:"state"`
	Details       string               `json:"details,omitempty"`
	Health        *health.AppHealth    `json:"health,omitempty"`
	LastCompleted map[string]time.Time `json:"last_completed,omitempty"`
}

// handleReady implements the readiness probe. Before the first application
// check it follows the supervisor state alone.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := s.source.State()
	resp := ReadyResponse{
		Status:        "ready",
		State:         state.String(),
		LastCompleted: s.source.LastCompleted(),
	}
	last := s.source.Last()
	if !last.CheckedAt.IsZero() {
		resp.Health = &last
	}

	switch {
	case state != health.Healthy:
		resp.Status = "not_ready"
		resp.Details = "supervisor is " + state.String()
	case resp.Health != nil && !last.Healthy():
		resp.Status = "not_ready"
		resp.Details = "last application check failed"
	}

	code := http.StatusOK
	if resp.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

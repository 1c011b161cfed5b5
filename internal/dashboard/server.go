package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"procodus.dev/fleetwatch/internal/tracker"
	"procodus.dev/fleetwatch/pkg/metrics"
)

const (
	// DefaultActionTimeout bounds one engine call made for a request.
	DefaultActionTimeout = 10 * time.Second
	// DefaultTransitionBuffer is the number of recent transitions kept.
	DefaultTransitionBuffer = 50
)

// Engine is the part of the tracking engine the dashboard drives.
type Engine interface {
	View(ctx context.Context) (tracker.View, error)
	Devices(ctx context.Context) ([]tracker.DeviceView, error)
	Status() tracker.ConnectionStatus
	Stats() tracker.Stats

	ApplyFilter(ctx context.Context, f tracker.Filter) (*tracker.QueryResult, error)
	EnterHistory(ctx context.Context) (*tracker.QueryResult, error)
	ExitHistory(ctx context.Context) (int, error)
	ClearFilter(ctx context.Context) error
	Refresh(ctx context.Context) (*tracker.QueryResult, error)
	SetVisible(ctx context.Context, id string, visible bool) (bool, error)
	SetHistoryLimit(ctx context.Context, limit int) error
	Select(ctx context.Context, index int) error
	Reconnect()

	OnTransition(fn func(tracker.Transition))
}

var _ Engine = (*tracker.Engine)(nil)

// Server represents the dashboard HTTP server.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	engine     Engine
	config     *ServerConfig
	metrics    *metrics.DashboardMetrics

	mu          sync.Mutex
	transitions []tracker.Transition
	keep        int
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// HTTP server configuration
	HTTPPort int

	// Engine is the tracking engine the dashboard reads and controls.
	Engine Engine
	// ActionTimeout bounds each engine call; DefaultActionTimeout when zero.
	ActionTimeout time.Duration
	// TransitionBuffer is the number of recent transitions served.
	TransitionBuffer int

	Metrics *metrics.DashboardMetrics
}

// NewServer creates a new dashboard Server instance and subscribes it to
// the engine's geofence transitions.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.Engine == nil {
		return nil, errors.New("engine cannot be nil")
	}

	keep := cfg.TransitionBuffer
	if keep <= 0 {
		keep = DefaultTransitionBuffer
	}

	s := &Server{
		logger:  cfg.Logger,
		engine:  cfg.Engine,
		config:  cfg,
		metrics: cfg.Metrics,
		keep:    keep,
	}
	cfg.Engine.OnTransition(s.recordTransition)
	return s, nil
}

// recordTransition runs on the engine loop and must not call back into it.
func (s *Server) recordTransition(t tracker.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, t)
	if over := len(s.transitions) - s.keep; over > 0 {
		s.transitions = append(s.transitions[:0], s.transitions[over:]...)
	}
}

// Transitions returns the recent transitions, newest first.
func (s *Server) Transitions() []tracker.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tracker.Transition, len(s.transitions))
	for i, t := range s.transitions {
		out[len(out)-1-i] = t
	}
	return out
}

// Run starts the dashboard server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting dashboard server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)

	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	s.logger.Info("dashboard server started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			cancel()
			return err
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down dashboard server")

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shutdown HTTP server", "error", err)
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("dashboard server shutdown completed successfully")
	return nil
}

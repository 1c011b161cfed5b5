// Package simulator is a stand-in fleet backend: it moves a synthetic fleet,
// streams its positions over WebSocket and answers the query endpoints.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"procodus.dev/fleetwatch/internal/tracker"
	"procodus.dev/fleetwatch/pkg/generator"
	"procodus.dev/fleetwatch/pkg/metrics"
)

// DefaultInterval is the time between two generated positions.
const DefaultInterval = time.Second

// Server represents the simulated backend.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	config     *ServerConfig
	metrics    *metrics.SimulatorMetrics

	fleet *generator.Fleet
	store *Store
	hub   *Hub
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// HTTP server configuration
	HTTPPort int

	// Fleet configures the simulated vehicles.
	Fleet generator.FleetConfig
	// Interval is the time between two generated positions.
	Interval time.Duration
	// PingInterval is the keepalive period of the stream.
	PingInterval time.Duration
	// MaxStored bounds the location store.
	MaxStored int
	// Geofences are loaded at start; a depot geofence is created when empty.
	Geofences []tracker.GeofenceDefinition

	Metrics *metrics.SimulatorMetrics
}

// NewServer creates a new simulator Server instance.
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

	fleet, err := generator.NewFleet(cfg.Fleet)
	if err != nil {
		return nil, fmt.Errorf("create fleet: %w", err)
	}

	s := &Server{
		logger:  cfg.Logger,
		config:  cfg,
		metrics: cfg.Metrics,
		fleet:   fleet,
		store:   NewStore(cfg.MaxStored),
		hub:     NewHub(cfg.Logger, cfg.PingInterval, cfg.Metrics),
	}

	fences := cfg.Geofences
	if len(fences) == 0 {
		fences = []tracker.GeofenceDefinition{depotGeofence(fleet.Depot(), cfg.Fleet.RadiusKm/4)}
	}
	for _, def := range fences {
		if _, err := s.store.AddGeofence(def); err != nil {
			return nil, fmt.Errorf("geofence %q: %w", def.Name, err)
		}
	}

	if s.metrics != nil {
		s.metrics.DevicesSimulated.Set(float64(len(fleet.Vehicles())))
	}
	return s, nil
}

// depotGeofence is a square of half-width km around the depot.
func depotGeofence(depot orb.Point, km float64) tracker.GeofenceDefinition {
	b := geo.NewBoundAroundPoint(depot, km*1000)
	return tracker.GeofenceDefinition{
		Name:        "Depot",
		Description: "area around the fleet depot",
		Active:      true,
		Coordinates: [][]float64{
			{b.Min.Lon(), b.Min.Lat()},
			{b.Max.Lon(), b.Min.Lat()},
			{b.Max.Lon(), b.Max.Lat()},
			{b.Min.Lon(), b.Max.Lat()},
		},
	}
}

// Store returns the location store.
func (s *Server) Store() *Store {
	return s.store
}

// Hub returns the stream hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Tick moves one vehicle to now, stores and broadcasts its position.
func (s *Server) Tick(now time.Time) tracker.LocationEvent {
	r := s.fleet.Step(now)
	ev := tracker.LocationEvent{
		DeviceID:  r.DeviceID,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		Timestamp: r.Timestamp,
	}
	s.Publish(ev)
	return ev
}

// Publish stores ev and streams it to every client.
func (s *Server) Publish(ev tracker.LocationEvent) {
	s.store.Add(ev)
	if err := s.hub.Broadcast(ev); err != nil {
		s.logger.Error("failed to encode location", "error", err)
	}
	if s.metrics != nil {
		s.metrics.LocationsGenerated.Inc()
		s.metrics.LocationsStored.Set(float64(s.store.Len()))
	}
}

// Run starts the simulator and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting simulator")

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

	interval := s.config.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	go s.generate(ctx, interval)

	s.logger.Info("simulator started successfully",
		"devices", len(s.fleet.Vehicles()),
		"interval", interval)

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

func (s *Server) generate(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down simulator")

	s.hub.Close()

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shutdown HTTP server", "error", err)
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("simulator shutdown completed successfully")
	return nil
}

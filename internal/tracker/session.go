package tracker

import (
	"errors"
	"fmt"
	"log/slog"

	"procodus.dev/fleetwatch/pkg/metrics"
)

// ErrSuperseded is returned when a query completes after a newer request replaced it.
var ErrSuperseded = errors.New("query result superseded")

// SessionConfig holds the settings of a Session.
type SessionConfig struct {
	Logger       *slog.Logger
	HistoryLimit int
	Palette      []string
	Metrics      *metrics.TrackerMetrics
}

// Session wires the registry, mode coordinator and reconciler together.
// It is not safe for concurrent use; Engine serialises every call onto one
// goroutine.
type Session struct {
	logger     *slog.Logger
	metrics    *metrics.TrackerMetrics
	registry   *DeviceRegistry
	mode       *ModeCoordinator
	reconciler *LocationReconciler
}

// NewSession creates a session in Live mode.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	registry := NewDeviceRegistry(cfg.Palette, cfg.Metrics)
	mode := NewModeCoordinator(registry, cfg.Metrics)
	reconciler, err := NewLocationReconciler(cfg.Logger, mode, registry, cfg.HistoryLimit, cfg.Metrics)
	if err != nil {
		return nil, err
	}
	return &Session{
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		registry:   registry,
		mode:       mode,
		reconciler: reconciler,
	}, nil
}

// Registry returns the device registry.
func (s *Session) Registry() *DeviceRegistry { return s.registry }

// Coordinator returns the mode coordinator.
func (s *Session) Coordinator() *ModeCoordinator { return s.mode }

// Reconciler returns the location reconciler.
func (s *Session) Reconciler() *LocationReconciler { return s.reconciler }

// HandleEvent routes one event from the connection: applied now in Live,
// queued in History.
func (s *Session) HandleEvent(ev LocationEvent) error {
	if s.metrics != nil {
		s.metrics.EventsReceived.Inc()
	}
	if s.mode.IsLive() {
		return s.reconciler.ApplyLive(ev)
	}
	return s.reconciler.Enqueue(ev)
}

// ApplyFilter enters History(f), or replaces the filter while in History.
// Leaving Live discards the live history; a filter change in History keeps
// the previous result until the new one loads.
func (s *Session) ApplyFilter(f Filter) (ModeChange, error) {
	wasLive := s.mode.IsLive()
	change, err := s.mode.ApplyFilter(f)
	if err != nil {
		return change, err
	}
	if wasLive || f.Kind == FilterNone {
		s.reconciler.EnterHistory()
	}
	s.logger.Info("filter applied", "mode", change.To.String(), "token", change.Token)
	return change, nil
}

// EnterHistory switches to History resuming the persisted filter.
func (s *Session) EnterHistory() ModeChange {
	change := s.mode.EnterHistory()
	if change.Changed {
		s.reconciler.EnterHistory()
		s.logger.Info("entered history", "mode", change.To.String(), "token", change.Token)
	}
	return change
}

// ExitHistory returns to Live and applies every queued event, oldest first,
// before any other live event can be handled. It returns the number applied.
func (s *Session) ExitHistory() (ModeChange, int) {
	change := s.mode.ExitHistory()
	if !change.Changed {
		return change, 0
	}
	s.reconciler.ResumeLive()
	applied, err := s.reconciler.DrainPending()
	if err != nil {
		s.logger.Error("failed to drain pending queue", "error", err)
	}
	s.logger.Info("returned to live", "drained", applied, "token", change.Token)
	return change, applied
}

// ClearFilter forgets the persisted filter. In History the view empties.
func (s *Session) ClearFilter() ModeChange {
	change := s.mode.ClearFilter()
	if change.Changed {
		s.reconciler.EnterHistory()
	}
	return change
}

// Refresh invalidates in-flight requests. In Live the history restarts and
// awaits a new seed; in History the caller re-runs the query.
func (s *Session) Refresh() uint64 {
	s.reconciler.Reset()
	return s.mode.Reissue()
}

// CompleteQuery applies a history query result issued under token.
func (s *Session) CompleteQuery(token uint64, events []LocationEvent) error {
	if !s.mode.IsCurrent(token) || s.mode.IsLive() {
		if s.metrics != nil {
			s.metrics.QueriesSuperseded.Inc()
		}
		s.logger.Debug("ignoring superseded query result", "token", token, "current", s.mode.Token())
		return fmt.Errorf("token %d: %w", token, ErrSuperseded)
	}
	return s.reconciler.LoadHistorical(events)
}

// CompleteSeed shows the startup record fetched under token, unless a live
// event or a newer request got there first.
func (s *Session) CompleteSeed(token uint64, ev LocationEvent) bool {
	if !s.mode.IsCurrent(token) {
		return false
	}
	return s.reconciler.Seed(ev)
}

// SetVisible toggles a device and republishes the view. It reports false for unknown ids.
func (s *Session) SetVisible(id string, visible bool) bool {
	if !s.registry.SetVisible(id, visible) {
		return false
	}
	s.reconciler.Publish()
	return true
}

// SetHistoryLimit changes the cap of the live history.
func (s *Session) SetHistoryLimit(limit int) error {
	return s.reconciler.SetHistoryLimit(limit)
}

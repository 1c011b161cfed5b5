package tracker

import (
	"errors"
	"fmt"
	"log/slog"

	"procodus.dev/fleetwatch/pkg/metrics"
)

// DefaultHistoryLimit caps the live history when no limit is configured.
const DefaultHistoryLimit = 50

var (
	// ErrWrongMode is returned when an operation is invoked in the other mode.
	ErrWrongMode = errors.New("operation not valid in current mode")
	// ErrInvalidHistoryLimit is returned for non-positive limits.
	ErrInvalidHistoryLimit = errors.New("history limit must be positive")
)

// LocationReconciler is the single writer of the bounded history and the
// pending queue. It republishes the current view after every change.
type LocationReconciler struct {
	logger   *slog.Logger
	mode     *ModeCoordinator
	registry *DeviceRegistry
	metrics  *metrics.TrackerMetrics

	limit   int
	history []LocationEvent
	pending []LocationEvent
	// awaitingLive is set at every Live (re)activation and cleared by the
	// first live event, which discards whatever seed was shown before it.
	awaitingLive bool
	rejected     uint64

	viewSubs       []func([]LocationEvent)
	reconciledSubs []func(LocationEvent)
}

// NewLocationReconciler creates a reconciler in the awaiting-live state.
func NewLocationReconciler(logger *slog.Logger, mode *ModeCoordinator, registry *DeviceRegistry, limit int, m *metrics.TrackerMetrics) (*LocationReconciler, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if mode == nil || registry == nil {
		return nil, errors.New("mode coordinator and registry are required")
	}
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	if limit < 0 {
		return nil, ErrInvalidHistoryLimit
	}
	return &LocationReconciler{
		logger:       logger,
		mode:         mode,
		registry:     registry,
		metrics:      m,
		limit:        limit,
		awaitingLive: true,
	}, nil
}

// OnView registers a subscriber for every republished current view.
func (r *LocationReconciler) OnView(fn func([]LocationEvent)) {
	r.viewSubs = append(r.viewSubs, fn)
}

// OnReconciled registers a subscriber for every event merged by ApplyLive.
func (r *LocationReconciler) OnReconciled(fn func(LocationEvent)) {
	r.reconciledSubs = append(r.reconciledSubs, fn)
}

// ApplyLive merges one live event: prepend, cap at the history limit, count
// it against its device and republish. Valid only in Live mode.
func (r *LocationReconciler) ApplyLive(ev LocationEvent) error {
	if !r.mode.IsLive() {
		return fmt.Errorf("apply live event: %w", ErrWrongMode)
	}
	if err := r.validate(ev); err != nil {
		return err
	}

	if r.awaitingLive {
		r.awaitingLive = false
		r.history = nil
	}

	next := make([]LocationEvent, 0, min(len(r.history)+1, r.limit))
	next = append(next, ev)
	for _, h := range r.history {
		if len(next) == r.limit {
			break
		}
		next = append(next, h)
	}
	r.history = next
	r.registry.Observe(ev)

	r.publish()
	for _, fn := range r.reconciledSubs {
		fn(ev)
	}
	return nil
}

// Enqueue diverts a live event to the pending queue. Valid only in History mode.
func (r *LocationReconciler) Enqueue(ev LocationEvent) error {
	if r.mode.IsLive() {
		return fmt.Errorf("enqueue live event: %w", ErrWrongMode)
	}
	if err := r.validate(ev); err != nil {
		return err
	}
	r.pending = append(r.pending, ev)
	if r.metrics != nil {
		r.metrics.EventsQueued.Inc()
		r.metrics.PendingQueueDepth.Set(float64(len(r.pending)))
	}
	return nil
}

// DrainPending applies queued events oldest first, each exactly as if it had
// just arrived live. Valid only in Live mode. It returns the number applied.
func (r *LocationReconciler) DrainPending() (int, error) {
	if !r.mode.IsLive() {
		return 0, fmt.Errorf("drain pending queue: %w", ErrWrongMode)
	}
	applied := 0
	for len(r.pending) > 0 {
		ev := r.pending[0]
		r.pending = r.pending[1:]
		if err := r.ApplyLive(ev); err != nil {
			r.logger.Error("failed to apply queued event", "error", err, "device_id", ev.DeviceID)
			continue
		}
		applied++
	}
	r.pending = nil
	if r.metrics != nil {
		r.metrics.PendingQueueDepth.Set(0)
	}
	return applied, nil
}

// ResumeLive prepares for live accumulation after leaving History: the query
// results are dropped and the next live event starts a fresh history.
func (r *LocationReconciler) ResumeLive() {
	r.history = nil
	r.awaitingLive = true
	r.publish()
}

// EnterHistory discards the live-derived history while query results are awaited.
func (r *LocationReconciler) EnterHistory() {
	r.history = nil
	r.publish()
}

// Reset restarts live accumulation as on a refresh.
func (r *LocationReconciler) Reset() {
	if !r.mode.IsLive() {
		return
	}
	r.history = nil
	r.awaitingLive = true
	r.publish()
}

// Seed shows a startup record until the first live event arrives. It reports
// whether the seed was applied.
func (r *LocationReconciler) Seed(ev LocationEvent) bool {
	if !r.mode.IsLive() || !r.awaitingLive {
		return false
	}
	if err := r.validate(ev); err != nil {
		return false
	}
	r.registry.Ensure(ev.DeviceID)
	r.history = []LocationEvent{ev}
	r.publish()
	return true
}

// LoadHistorical replaces the history wholesale with a query result. The
// result is server-bounded, so no cap applies. Valid only in History mode.
func (r *LocationReconciler) LoadHistorical(events []LocationEvent) error {
	if r.mode.IsLive() {
		return fmt.Errorf("load historical events: %w", ErrWrongMode)
	}
	next := make([]LocationEvent, 0, len(events))
	for _, ev := range events {
		if err := r.validate(ev); err != nil {
			continue
		}
		next = append(next, ev)
	}
	r.history = next
	r.publish()
	return nil
}

// SetHistoryLimit changes the cap. In Live mode the history is truncated immediately.
func (r *LocationReconciler) SetHistoryLimit(limit int) error {
	if limit <= 0 {
		return ErrInvalidHistoryLimit
	}
	r.limit = limit
	if r.mode.IsLive() && len(r.history) > limit {
		r.history = append([]LocationEvent(nil), r.history[:limit]...)
		r.publish()
	}
	return nil
}

// Publish republishes the current view, e.g. after a visibility change.
func (r *LocationReconciler) Publish() {
	r.publish()
}

// CurrentView returns the history, newest first, restricted to visible devices.
func (r *LocationReconciler) CurrentView() []LocationEvent {
	view := make([]LocationEvent, 0, len(r.history))
	for _, ev := range r.history {
		if r.registry.IsVisible(ev.DeviceID) {
			view = append(view, ev)
		}
	}
	return view
}

// History returns a copy of the full history regardless of visibility.
func (r *LocationReconciler) History() []LocationEvent {
	return append([]LocationEvent(nil), r.history...)
}

// Pending returns a copy of the pending queue, oldest first.
func (r *LocationReconciler) Pending() []LocationEvent {
	return append([]LocationEvent(nil), r.pending...)
}

// PendingLen returns the pending queue length.
func (r *LocationReconciler) PendingLen() int { return len(r.pending) }

// Limit returns the history cap.
func (r *LocationReconciler) Limit() int { return r.limit }

// Rejected returns the number of events rejected by validation.
func (r *LocationReconciler) Rejected() uint64 { return r.rejected }

func (r *LocationReconciler) validate(ev LocationEvent) error {
	err := ev.Validate()
	if err == nil {
		return nil
	}
	r.rejected++
	field := "unknown"
	var verr *ValidationError
	if errors.As(err, &verr) {
		field = verr.Field
	}
	if r.metrics != nil {
		r.metrics.EventsRejected.WithLabelValues(field).Inc()
	}
	r.logger.Warn("rejected location event", "error", err, "device_id", ev.DeviceID)
	return err
}

func (r *LocationReconciler) publish() {
	if r.metrics != nil {
		r.metrics.HistorySize.Set(float64(len(r.history)))
	}
	if len(r.viewSubs) == 0 {
		return
	}
	view := r.CurrentView()
	for _, fn := range r.viewSubs {
		fn(view)
	}
}

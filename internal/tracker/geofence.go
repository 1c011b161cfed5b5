package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"procodus.dev/fleetwatch/pkg/metrics"
)

// ErrOracleUnavailable is wrapped when a containment check could not be answered.
var ErrOracleUnavailable = errors.New("containment oracle unavailable")

// Geofence identifies one polygon region.
type Geofence struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// GeofenceDefinition is a geofence with its polygon. Coordinates are
// [lng, lat] pairs of the outer ring.
type GeofenceDefinition struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Coordinates [][]float64 `json:"coordinates"`
	Active      bool        `json:"active"`
}

// ContainmentOracle answers which geofences contain a point.
type ContainmentOracle interface {
	Containing(ctx context.Context, lat, lng float64) ([]Geofence, error)
}

// GeofenceSource lists geofence definitions.
type GeofenceSource interface {
	Geofences(ctx context.Context) ([]GeofenceDefinition, error)
}

// TransitionKind is the direction of a containment edge.
type TransitionKind int

const (
	Entered TransitionKind = iota + 1
	Exited
)

func (k TransitionKind) String() string {
	switch k {
	case Entered:
		return "entered"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k TransitionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Transition is an Entered or Exited edge in a device's containment state.
// Exited transitions name the geofences the device was last seen inside.
type Transition struct {
	DeviceID    string         `json:"device_id"`
	Kind        TransitionKind `json:"kind"`
	GeofenceIDs []int64        `json:"geofence_ids"`
	Latitude    float64        `json:"latitude"`
	Longitude   float64        `json:"longitude"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ViolationState is the recorded containment of one device.
type ViolationState struct {
	Inside      bool
	GeofenceIDs []int64
}

// ViolationDetector derives edge-triggered enter/exit transitions from
// successive containment checks. Devices it has not checked are outside.
type ViolationDetector struct {
	logger  *slog.Logger
	oracle  ContainmentOracle
	metrics *metrics.TrackerMetrics

	mu    sync.Mutex
	state map[string]ViolationState
	subs  []func(Transition)

	queueMu sync.Mutex
	queue   []LocationEvent
	wake    chan struct{}
}

// NewViolationDetector creates a detector backed by oracle.
func NewViolationDetector(logger *slog.Logger, oracle ContainmentOracle, m *metrics.TrackerMetrics) (*ViolationDetector, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if oracle == nil {
		return nil, errors.New("oracle cannot be nil")
	}
	return &ViolationDetector{
		logger:  logger,
		oracle:  oracle,
		metrics: m,
		state:   make(map[string]ViolationState),
		wake:    make(chan struct{}, 1),
	}, nil
}

// OnTransition registers a subscriber for transitions.
func (d *ViolationDetector) OnTransition(fn func(Transition)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, fn)
}

// OnReconciled queues ev for the worker started by Run. It never blocks.
func (d *ViolationDetector) OnReconciled(ev LocationEvent) {
	d.queueMu.Lock()
	d.queue = append(d.queue, ev)
	d.queueMu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Backlog returns the number of events waiting for a check.
func (d *ViolationDetector) Backlog() int {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	return len(d.queue)
}

// Run checks queued events in arrival order until ctx is done.
func (d *ViolationDetector) Run(ctx context.Context) error {
	for {
		ev, ok := d.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.wake:
			}
			continue
		}
		if _, err := d.Check(ctx, ev); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (d *ViolationDetector) next() (LocationEvent, bool) {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if len(d.queue) == 0 {
		return LocationEvent{}, false
	}
	ev := d.queue[0]
	d.queue[0] = LocationEvent{}
	d.queue = d.queue[1:]
	if len(d.queue) == 0 {
		d.queue = nil
	}
	return ev, true
}

// Check runs one containment check and returns the transition it caused,
// or nil when the containment state did not change. When the oracle fails
// the state is left untouched and the error wraps ErrOracleUnavailable.
func (d *ViolationDetector) Check(ctx context.Context, ev LocationEvent) (*Transition, error) {
	fences, err := d.oracle.Containing(ctx, ev.Latitude, ev.Longitude)
	if err != nil {
		if d.metrics != nil {
			d.metrics.OracleFailures.Inc()
		}
		d.logger.Warn("skipping containment check", "error", err, "device_id", ev.DeviceID)
		if errors.Is(err, ErrOracleUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}

	ids := make([]int64, 0, len(fences))
	for _, f := range fences {
		ids = append(ids, f.ID)
	}
	inside := len(ids) > 0

	d.mu.Lock()
	prev := d.state[ev.DeviceID]
	if prev.Inside == inside {
		if inside {
			d.state[ev.DeviceID] = ViolationState{Inside: true, GeofenceIDs: ids}
		}
		d.mu.Unlock()
		return nil, nil
	}

	t := Transition{
		DeviceID:  ev.DeviceID,
		Latitude:  ev.Latitude,
		Longitude: ev.Longitude,
		Timestamp: ev.Timestamp,
	}
	if inside {
		t.Kind = Entered
		t.GeofenceIDs = ids
		d.state[ev.DeviceID] = ViolationState{Inside: true, GeofenceIDs: ids}
	} else {
		t.Kind = Exited
		t.GeofenceIDs = prev.GeofenceIDs
		d.state[ev.DeviceID] = ViolationState{}
	}
	subs := slices.Clone(d.subs)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.ViolationTransitions.WithLabelValues(t.Kind.String()).Inc()
	}
	d.logger.Info("geofence transition", "device_id", t.DeviceID, "kind", t.Kind.String(), "geofence_ids", t.GeofenceIDs)
	for _, fn := range subs {
		fn(t)
	}
	return &t, nil
}

// Inside reports the recorded containment of a device.
func (d *ViolationDetector) Inside(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state[deviceID].Inside
}

// State returns the recorded containment of a device.
func (d *ViolationDetector) State(deviceID string) ViolationState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.state[deviceID]
	s.GeofenceIDs = append([]int64(nil), s.GeofenceIDs...)
	return s
}

type polygonFence struct {
	fence   Geofence
	polygon orb.Polygon
	bound   orb.Bound
}

// PolygonOracle evaluates containment locally against a fixed set of polygons.
type PolygonOracle struct {
	fences []polygonFence
}

// NewPolygonOracle builds an oracle from the active definitions. Open rings are closed.
func NewPolygonOracle(defs []GeofenceDefinition) (*PolygonOracle, error) {
	o := &PolygonOracle{}
	for _, def := range defs {
		if !def.Active {
			continue
		}
		ring, err := ringFromCoordinates(def.Coordinates)
		if err != nil {
			return nil, fmt.Errorf("geofence %d: %w", def.ID, err)
		}
		poly := orb.Polygon{ring}
		o.fences = append(o.fences, polygonFence{
			fence:   Geofence{ID: def.ID, Name: def.Name},
			polygon: poly,
			bound:   poly.Bound(),
		})
	}
	return o, nil
}

// LoadPolygonOracle fetches the definitions from src once.
func LoadPolygonOracle(ctx context.Context, src GeofenceSource) (*PolygonOracle, error) {
	defs, err := src.Geofences(ctx)
	if err != nil {
		return nil, fmt.Errorf("load geofences: %w", err)
	}
	return NewPolygonOracle(defs)
}

// Containing returns the geofences whose polygon contains the point.
func (o *PolygonOracle) Containing(_ context.Context, lat, lng float64) ([]Geofence, error) {
	pt := orb.Point{lng, lat}
	var out []Geofence
	for _, f := range o.fences {
		if !f.bound.Contains(pt) {
			continue
		}
		if planar.PolygonContains(f.polygon, pt) {
			out = append(out, f.fence)
		}
	}
	return out, nil
}

// Len returns the number of active geofences.
func (o *PolygonOracle) Len() int { return len(o.fences) }

func ringFromCoordinates(coords [][]float64) (orb.Ring, error) {
	if len(coords) < 3 {
		return nil, errors.New("polygon needs at least 3 points")
	}
	ring := make(orb.Ring, 0, len(coords)+1)
	for i, c := range coords {
		if len(c) < 2 {
			return nil, fmt.Errorf("point %d: expected [lng, lat]", i)
		}
		ring = append(ring, orb.Point{c[0], c[1]})
	}
	if ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return ring, nil
}

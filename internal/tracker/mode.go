package tracker

import (
	"errors"
	"fmt"
	"math"
	"time"

	"procodus.dev/fleetwatch/pkg/metrics"
)

// FilterKind selects the history query shape.
type FilterKind int

const (
	FilterNone FilterKind = iota
	FilterTimeRange
	FilterProximity
)

func (k FilterKind) String() string {
	switch k {
	case FilterTimeRange:
		return "time_range"
	case FilterProximity:
		return "proximity"
	default:
		return "none"
	}
}

// MarshalText encodes the kind by name.
func (k FilterKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (k *FilterKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "none", "":
		*k = FilterNone
	case "time_range":
		*k = FilterTimeRange
	case "proximity":
		*k = FilterProximity
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFilter, text)
	}
	return nil
}

// Filter is the criteria of a history query. Only the fields of its Kind are meaningful.
type Filter struct {
	Kind     FilterKind `json:"kind"`
	Start    time.Time  `json:"start,omitempty"`
	End      time.Time  `json:"end,omitempty"`
	Lat      float64    `json:"lat,omitempty"`
	Lng      float64    `json:"lng,omitempty"`
	RadiusKm float64    `json:"radius_km,omitempty"`
}

// TimeRange builds a time range filter.
func TimeRange(start, end time.Time) Filter {
	return Filter{Kind: FilterTimeRange, Start: start, End: end}
}

// Proximity builds a filter for locations within radiusKm of a point.
func Proximity(lat, lng, radiusKm float64) Filter {
	return Filter{Kind: FilterProximity, Lat: lat, Lng: lng, RadiusKm: radiusKm}
}

// ErrInvalidFilter is wrapped by every filter validation failure.
var ErrInvalidFilter = errors.New("invalid filter")

// Validate checks the fields of the filter's kind.
func (f Filter) Validate() error {
	switch f.Kind {
	case FilterNone:
		return nil
	case FilterTimeRange:
		if f.Start.IsZero() || f.End.IsZero() {
			return fmt.Errorf("%w: start and end are required", ErrInvalidFilter)
		}
		if !f.Start.Before(f.End) {
			return fmt.Errorf("%w: start must be before end", ErrInvalidFilter)
		}
	case FilterProximity:
		if math.IsNaN(f.Lat) || f.Lat < -90 || f.Lat > 90 || math.IsNaN(f.Lng) || f.Lng < -180 || f.Lng > 180 {
			return fmt.Errorf("%w: center out of range", ErrInvalidFilter)
		}
		if !(f.RadiusKm > 0) {
			return fmt.Errorf("%w: radius must be positive", ErrInvalidFilter)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidFilter, f.Kind)
	}
	return nil
}

// ModeKind tags the active mode.
type ModeKind int

const (
	ModeLive ModeKind = iota
	ModeHistory
)

func (k ModeKind) String() string {
	if k == ModeHistory {
		return "history"
	}
	return "live"
}

// MarshalText encodes the kind by name.
func (k ModeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts "live" and "history".
func (k *ModeKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "live":
		*k = ModeLive
	case "history":
		*k = ModeHistory
	default:
		return fmt.Errorf("unknown mode %q", text)
	}
	return nil
}

// Mode is Live or History(filter). Filter is the zero Filter while Live.
type Mode struct {
	Kind   ModeKind `json:"kind"`
	Filter Filter   `json:"filter"`
}

// LiveMode returns the Live mode.
func LiveMode() Mode { return Mode{Kind: ModeLive} }

// HistoryMode returns History(f).
func HistoryMode(f Filter) Mode { return Mode{Kind: ModeHistory, Filter: f} }

// IsLive reports whether m is Live.
func (m Mode) IsLive() bool { return m.Kind == ModeLive }

func (m Mode) String() string {
	if m.IsLive() {
		return "live"
	}
	return "history(" + m.Filter.Kind.String() + ")"
}

// ModeChange describes the outcome of a coordinator transition.
type ModeChange struct {
	From    Mode
	To      Mode
	Token   uint64
	Changed bool
}

// Query is a history request derived from the active filter.
type Query struct {
	Filter  Filter
	Devices []string
	Token   uint64
}

// ModeCoordinator owns the live/history mode, its filter, the persisted filter
// used to resume history, and the monotonic request token.
type ModeCoordinator struct {
	mode      Mode
	persisted *Filter
	token     uint64
	selection int
	registry  *DeviceRegistry
	metrics   *metrics.TrackerMetrics
}

// NewModeCoordinator starts in Live mode.
func NewModeCoordinator(registry *DeviceRegistry, m *metrics.TrackerMetrics) *ModeCoordinator {
	return &ModeCoordinator{
		mode:      LiveMode(),
		selection: -1,
		registry:  registry,
		metrics:   m,
	}
}

// Mode returns the active mode.
func (c *ModeCoordinator) Mode() Mode { return c.mode }

// IsLive reports whether live events are applied immediately.
func (c *ModeCoordinator) IsLive() bool { return c.mode.IsLive() }

// Token returns the current request token.
func (c *ModeCoordinator) Token() uint64 { return c.token }

// IsCurrent reports whether a request issued under token may still be applied.
func (c *ModeCoordinator) IsCurrent(token uint64) bool { return token == c.token }

// Persisted returns the filter remembered for resuming history, if any.
func (c *ModeCoordinator) Persisted() (Filter, bool) {
	if c.persisted == nil {
		return Filter{}, false
	}
	return *c.persisted, true
}

// Selection returns the selected location index, or -1.
func (c *ModeCoordinator) Selection() int { return c.selection }

// Select marks a location of the current view as selected.
func (c *ModeCoordinator) Select(index int) {
	if index < 0 {
		index = -1
	}
	c.selection = index
}

// ApplyFilter enters History(f) from Live, or replaces the filter while already in History.
func (c *ModeCoordinator) ApplyFilter(f Filter) (ModeChange, error) {
	if err := f.Validate(); err != nil {
		return ModeChange{From: c.mode, To: c.mode, Token: c.token}, err
	}
	pf := f
	c.persisted = &pf
	return c.transition(HistoryMode(f)), nil
}

// EnterHistory switches Live to History, resuming the persisted filter when there is one.
func (c *ModeCoordinator) EnterHistory() ModeChange {
	if !c.mode.IsLive() {
		return ModeChange{From: c.mode, To: c.mode, Token: c.token}
	}
	f := Filter{}
	if c.persisted != nil {
		f = *c.persisted
	}
	return c.transition(HistoryMode(f))
}

// ExitHistory switches History to Live, remembering the active filter.
func (c *ModeCoordinator) ExitHistory() ModeChange {
	if c.mode.IsLive() {
		return ModeChange{From: c.mode, To: c.mode, Token: c.token}
	}
	if c.mode.Filter.Kind != FilterNone {
		pf := c.mode.Filter
		c.persisted = &pf
	}
	return c.transition(LiveMode())
}

// ClearFilter forgets the persisted filter. In History the mode becomes History(None).
func (c *ModeCoordinator) ClearFilter() ModeChange {
	c.persisted = nil
	if c.mode.IsLive() {
		return ModeChange{From: c.mode, To: c.mode, Token: c.token}
	}
	return c.transition(HistoryMode(Filter{}))
}

// Reissue invalidates in-flight requests without changing the mode.
func (c *ModeCoordinator) Reissue() uint64 {
	c.token++
	return c.token
}

// Query builds the history request for the active filter. It reports false
// when the coordinator is Live or the filter is None.
func (c *ModeCoordinator) Query() (Query, bool) {
	if c.mode.IsLive() || c.mode.Filter.Kind == FilterNone {
		return Query{}, false
	}
	q := Query{Filter: c.mode.Filter, Token: c.token}
	if c.registry != nil && !c.registry.AllVisible() {
		q.Devices = c.registry.VisibleIDs()
	}
	return q, true
}

func (c *ModeCoordinator) transition(to Mode) ModeChange {
	from := c.mode
	c.mode = to
	c.token++
	c.selection = -1
	if c.metrics != nil {
		c.metrics.ModeTransitions.WithLabelValues(to.Kind.String()).Inc()
	}
	return ModeChange{From: from, To: to, Token: c.token, Changed: true}
}

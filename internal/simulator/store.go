package simulator

import (
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"

	"procodus.dev/fleetwatch/internal/tracker"
)

const (
	// DefaultMaxStored bounds the in-memory location store.
	DefaultMaxStored = 50000
	// QueryLimit caps range and nearby results.
	QueryLimit = 1000
)

// ErrGeofenceNotFound is returned for unknown geofence ids.
var ErrGeofenceNotFound = errors.New("geofence not found")

type deviceStats struct {
	count    uint64
	lastSeen time.Time
}

type storedFence struct {
	def     tracker.GeofenceDefinition
	polygon orb.Polygon
}

// Store keeps recent locations and the geofence definitions in memory.
// Locations are held in arrival order; the oldest are evicted first.
type Store struct {
	mu        sync.RWMutex
	max       int
	locations []tracker.LocationEvent
	total     int64
	devices   map[string]*deviceStats
	fences    []storedFence
	nextFence int64
}

// NewStore returns a Store holding at most max locations (DefaultMaxStored when max <= 0).
func NewStore(max int) *Store {
	if max <= 0 {
		max = DefaultMaxStored
	}
	return &Store{
		max:       max,
		devices:   make(map[string]*deviceStats),
		nextFence: 1,
	}
}

// Add records ev.
func (s *Store) Add(ev tracker.LocationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.locations) >= s.max {
		drop := len(s.locations) - s.max + 1
		clear(s.locations[:drop])
		s.locations = s.locations[drop:]
	}
	s.locations = append(s.locations, ev)
	s.total++

	d, ok := s.devices[ev.DeviceID]
	if !ok {
		d = &deviceStats{}
		s.devices[ev.DeviceID] = d
	}
	d.count++
	if ev.Timestamp.After(d.lastSeen) {
		d.lastSeen = ev.Timestamp
	}
}

// Len returns the number of stored locations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.locations)
}

// scan walks newest first and keeps up to limit events that match.
func (s *Store) scan(limit int, devices []string, match func(tracker.LocationEvent) bool) []tracker.LocationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []tracker.LocationEvent{}
	for i := len(s.locations) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.locations[i]
		if len(devices) > 0 && !slices.Contains(devices, ev.DeviceID) {
			continue
		}
		if match == nil || match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Latest returns the newest limit locations, newest first.
func (s *Store) Latest(limit int, devices []string) []tracker.LocationEvent {
	return s.scan(limit, devices, nil)
}

// Range returns locations with start <= timestamp <= end, newest first.
func (s *Store) Range(start, end time.Time, devices []string) []tracker.LocationEvent {
	return s.scan(QueryLimit, devices, func(ev tracker.LocationEvent) bool {
		return !ev.Timestamp.Before(start) && !ev.Timestamp.After(end)
	})
}

// Nearby returns locations within radiusKm of the point, newest first.
func (s *Store) Nearby(lat, lng, radiusKm float64, devices []string) []tracker.LocationEvent {
	center := orb.Point{lng, lat}
	meters := radiusKm * 1000
	return s.scan(QueryLimit, devices, func(ev tracker.LocationEvent) bool {
		return geo.DistanceHaversine(center, orb.Point{ev.Longitude, ev.Latitude}) <= meters
	})
}

// Devices lists every device that reported, most recently seen first.
func (s *Store) Devices() []tracker.DeviceSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]tracker.DeviceSummary, 0, len(s.devices))
	for id, d := range s.devices {
		out = append(out, tracker.DeviceSummary{DeviceID: id, LocationCount: d.count, LastSeen: d.lastSeen})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Stats returns the aggregate counters. clients is filled in by the caller.
func (s *Store) Stats(clients int) tracker.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last time.Time
	for _, d := range s.devices {
		if d.lastSeen.After(last) {
			last = d.lastSeen
		}
	}
	stats := tracker.Stats{
		ConnectedClients: clients,
		TotalLocations:   s.total,
		ActiveDevices:    len(s.devices),
	}
	if !last.IsZero() {
		stats.LastUpdate = last.UTC().Format(time.RFC3339)
	}
	return stats
}

// AddGeofence validates def, assigns it an id and stores it.
func (s *Store) AddGeofence(def tracker.GeofenceDefinition) (tracker.GeofenceDefinition, error) {
	if strings.TrimSpace(def.Name) == "" {
		return tracker.GeofenceDefinition{}, errors.New("geofence name is required")
	}
	ring, err := closedRing(def.Coordinates)
	if err != nil {
		return tracker.GeofenceDefinition{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	def.ID = s.nextFence
	s.nextFence++
	s.fences = append(s.fences, storedFence{def: def, polygon: orb.Polygon{ring}})
	return def, nil
}

// Geofences lists the definitions, only active ones when activeOnly is set.
func (s *Store) Geofences(activeOnly bool) []tracker.GeofenceDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []tracker.GeofenceDefinition{}
	for _, f := range s.fences {
		if activeOnly && !f.def.Active {
			continue
		}
		out = append(out, f.def)
	}
	return out
}

// Geofence returns one definition.
func (s *Store) Geofence(id int64) (tracker.GeofenceDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.fences {
		if f.def.ID == id {
			return f.def, nil
		}
	}
	return tracker.GeofenceDefinition{}, ErrGeofenceNotFound
}

// DeleteGeofence removes one definition.
func (s *Store) DeleteGeofence(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.fences {
		if f.def.ID == id {
			s.fences = slices.Delete(s.fences, i, i+1)
			return nil
		}
	}
	return ErrGeofenceNotFound
}

// Containing returns the active geofences whose polygon contains the point.
func (s *Store) Containing(lat, lng float64) []tracker.GeofenceDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pt := orb.Point{lng, lat}
	out := []tracker.GeofenceDefinition{}
	for _, f := range s.fences {
		if !f.def.Active || !f.polygon.Bound().Contains(pt) {
			continue
		}
		if planar.PolygonContains(f.polygon, pt) {
			out = append(out, f.def)
		}
	}
	return out
}

func closedRing(coords [][]float64) (orb.Ring, error) {
	if len(coords) < 3 {
		return nil, errors.New("geofence needs at least 3 coordinates")
	}
	ring := make(orb.Ring, 0, len(coords)+1)
	for _, c := range coords {
		if len(c) < 2 {
			return nil, errors.New("geofence coordinates must be [lng, lat] pairs")
		}
		ring = append(ring, orb.Point{c[0], c[1]})
	}
	if ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return ring, nil
}

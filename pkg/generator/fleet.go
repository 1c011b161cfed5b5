// Package generator produces synthetic vehicle fleets that move around a depot.
package generator

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Vehicle is one simulated device.
type Vehicle struct {
	DeviceID string
	Kind     string
	Brand    string `fake:"{carmaker}"`
	Model    string `fake:"{carmodel}"`
	Driver   string `fake:"{firstname} {lastname}"`
	Plate    string

	Position orb.Point
	// Heading is in degrees clockwise from north.
	Heading  float64
	SpeedKmh float64

	moved time.Time
}

// Reading is one position report.
type Reading struct {
	DeviceID  string
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

// FleetConfig configures a Fleet.
type FleetConfig struct {
	// Size is the number of vehicles.
	Size int
	// Latitude and Longitude are the depot coordinates.
	Latitude  float64
	Longitude float64
	// RadiusKm bounds how far vehicles stray from the depot.
	RadiusKm float64
	// Seed makes the fleet reproducible; 0 picks a random seed.
	Seed uint64
}

// DefaultFleetConfig is a small fleet around central Madrid.
func DefaultFleetConfig() FleetConfig {
	return FleetConfig{
		Size:      5,
		Latitude:  40.4168,
		Longitude: -3.7038,
		RadiusKm:  5,
	}
}

var kinds = []string{"truck", "van", "bus", "car"}

// Fleet is a set of vehicles doing a bounded random walk. It is safe for
// concurrent use.
type Fleet struct {
	mu       sync.Mutex
	faker    *gofakeit.Faker
	depot    orb.Point
	radiusM  float64
	vehicles []*Vehicle
}

// NewFleet places cfg.Size vehicles within the radius of the depot.
func NewFleet(cfg FleetConfig) (*Fleet, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("fleet size must be positive, got %d", cfg.Size)
	}
	if cfg.RadiusKm <= 0 {
		return nil, fmt.Errorf("fleet radius must be positive, got %v", cfg.RadiusKm)
	}

	f := &Fleet{
		faker:   gofakeit.New(cfg.Seed),
		depot:   orb.Point{cfg.Longitude, cfg.Latitude},
		radiusM: cfg.RadiusKm * 1000,
	}

	seen := make(map[string]bool, cfg.Size)
	for len(f.vehicles) < cfg.Size {
		v, err := f.newVehicle()
		if err != nil {
			return nil, err
		}
		if seen[v.DeviceID] {
			continue
		}
		seen[v.DeviceID] = true
		f.vehicles = append(f.vehicles, v)
	}
	return f, nil
}

func (f *Fleet) newVehicle() (*Vehicle, error) {
	var v Vehicle
	if err := f.faker.Struct(&v); err != nil {
		return nil, fmt.Errorf("generate vehicle: %w", err)
	}
	v.Kind = f.faker.RandomString(kinds)
	v.DeviceID = v.Kind + "-" + f.faker.Numerify("###")
	v.Plate = strings.ToUpper(f.faker.Lexify("???")) + "-" + f.faker.Numerify("####")
	v.Position = geo.PointAtBearingAndDistance(f.depot, f.faker.Float64Range(0, 360), f.faker.Float64Range(0, f.radiusM/2))
	v.Heading = f.faker.Float64Range(0, 360)
	v.SpeedKmh = f.faker.Float64Range(15, 60)
	return &v, nil
}

// Vehicles returns copies of the vehicles.
func (f *Fleet) Vehicles() []Vehicle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Vehicle, 0, len(f.vehicles))
	for _, v := range f.vehicles {
		out = append(out, *v)
	}
	return out
}

// Depot returns the fleet's center.
func (f *Fleet) Depot() orb.Point {
	return f.depot
}

// Step advances one randomly chosen vehicle to now and returns its reading.
func (f *Fleet) Step(now time.Time) Reading {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := f.vehicles[f.faker.IntRange(0, len(f.vehicles)-1)]
	f.move(v, now)
	return Reading{
		DeviceID:  v.DeviceID,
		Latitude:  v.Position.Lat(),
		Longitude: v.Position.Lon(),
		Timestamp: now.UTC(),
	}
}

// StepAll advances every vehicle to now and returns one reading each.
func (f *Fleet) StepAll(now time.Time) []Reading {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Reading, 0, len(f.vehicles))
	for _, v := range f.vehicles {
		f.move(v, now)
		out = append(out, Reading{
			DeviceID:  v.DeviceID,
			Latitude:  v.Position.Lat(),
			Longitude: v.Position.Lon(),
			Timestamp: now.UTC(),
		})
	}
	return out
}

// move drifts the heading and speed, then travels for the time since the
// last step. A vehicle outside the radius turns back toward the depot.
func (f *Fleet) move(v *Vehicle, now time.Time) {
	elapsed := 5 * time.Second
	if !v.moved.IsZero() && now.After(v.moved) {
		elapsed = min(now.Sub(v.moved), time.Minute)
	}
	v.moved = now

	v.Heading = normalizeHeading(v.Heading + f.faker.Float64Range(-30, 30))
	v.SpeedKmh = clamp(v.SpeedKmh+f.faker.Float64Range(-5, 5), 5, 90)

	if geo.DistanceHaversine(v.Position, f.depot) > f.radiusM {
		v.Heading = normalizeHeading(geo.Bearing(v.Position, f.depot))
	}

	meters := v.SpeedKmh / 3.6 * elapsed.Seconds()
	v.Position = geo.PointAtBearingAndDistance(v.Position, v.Heading, meters)
}

func normalizeHeading(h float64) float64 {
	for h < 0 {
		h += 360
	}
	for h >= 360 {
		h -= 360
	}
	return h
}

func clamp(x, lo, hi float64) float64 {
	return max(lo, min(x, hi))
}

// Package tracker implements the client-side ingestion engine of the fleet dashboard:
// the persistent connection, the device registry, the live/history mode state machine,
// the bounded-history reconciler and the geofence violation detector.
package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// LocationEvent is one timestamped device position reading.
// Values are immutable once received.
type LocationEvent struct {
	DeviceID  string    `json:"device_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	// ErrInvalidEvent is wrapped by every validation failure.
	ErrInvalidEvent = errors.New("invalid location event")
	// ErrMalformedFrame is returned when a transport frame cannot be decoded.
	ErrMalformedFrame = errors.New("malformed location frame")
)

// ValidationError describes why an event was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidEvent, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidEvent
}

// Validate checks the identifier, coordinate ranges and timestamp.
func (e LocationEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.DeviceID) == "":
		return &ValidationError{Field: "device_id", Reason: "is missing"}
	case math.IsNaN(e.Latitude) || e.Latitude < -90 || e.Latitude > 90:
		return &ValidationError{Field: "latitude", Reason: fmt.Sprintf("%v out of range [-90,90]", e.Latitude)}
	case math.IsNaN(e.Longitude) || e.Longitude < -180 || e.Longitude > 180:
		return &ValidationError{Field: "longitude", Reason: fmt.Sprintf("%v out of range [-180,180]", e.Longitude)}
	case e.Timestamp.IsZero():
		return &ValidationError{Field: "timestamp", Reason: "is missing"}
	}
	return nil
}

// wireEvent distinguishes absent coordinates from a legitimate zero.
type wireEvent struct {
	DeviceID  string    `json:"device_id"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// DecodeEvent parses one JSON transport frame. It does not range-check the
// coordinates; that is the reconciler's job.
func DecodeEvent(data []byte) (LocationEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return LocationEvent{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if w.Latitude == nil || w.Longitude == nil {
		return LocationEvent{}, fmt.Errorf("%w: missing coordinates", ErrMalformedFrame)
	}
	return LocationEvent{
		DeviceID:  w.DeviceID,
		Latitude:  *w.Latitude,
		Longitude: *w.Longitude,
		Timestamp: w.Timestamp,
	}, nil
}

package tracker

import (
	"time"

	"procodus.dev/fleetwatch/pkg/metrics"
)

// DefaultPalette holds the display colors handed out to devices in first-seen order.
var DefaultPalette = []string{
	"#ef4444",
	"#10b981",
	"#3b82f6",
	"#f59e0b",
	"#8b5cf6",
	"#06b6d4",
	"#f97316",
}

// Device is the registry entry for one device id.
type Device struct {
	ID string `json:"id"`
	// Color indexes the registry palette.
	Color   int  `json:"color"`
	Visible bool `json:"visible"`
	// EventCount counts live events ingested during this session.
	EventCount uint64 `json:"event_count"`
	// StoredCount is the server-side location count reported at bootstrap.
	StoredCount uint64 `json:"stored_count"`
	// LastSeen is zero until the device has been observed.
	LastSeen time.Time `json:"last_seen"`
}

// DeviceSummary is one row of the query service's device list.
type DeviceSummary struct {
	DeviceID      string    `json:"device_id"`
	LocationCount uint64    `json:"location_count"`
	LastSeen      time.Time `json:"last_seen"`
}

// DeviceRegistry owns per-device metadata. It only grows: devices are
// never removed and colors are never reassigned.
type DeviceRegistry struct {
	palette []string
	devices map[string]*Device
	order   []string
	metrics *metrics.TrackerMetrics
}

// NewDeviceRegistry creates an empty registry. An empty palette falls back to DefaultPalette.
func NewDeviceRegistry(palette []string, m *metrics.TrackerMetrics) *DeviceRegistry {
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	return &DeviceRegistry{
		palette: append([]string(nil), palette...),
		devices: make(map[string]*Device),
		metrics: m,
	}
}

// Ensure returns the device for id, creating it with the next palette color
// when it has not been seen before.
func (r *DeviceRegistry) Ensure(id string) *Device {
	if d, ok := r.devices[id]; ok {
		return d
	}
	d := &Device{
		ID:      id,
		Color:   len(r.order) % len(r.palette),
		Visible: true,
	}
	r.devices[id] = d
	r.order = append(r.order, id)
	if r.metrics != nil {
		r.metrics.DevicesKnown.Set(float64(len(r.order)))
	}
	return d
}

// Observe records one ingested live event against its device.
func (r *DeviceRegistry) Observe(ev LocationEvent) *Device {
	d := r.Ensure(ev.DeviceID)
	d.EventCount++
	if ev.Timestamp.After(d.LastSeen) {
		d.LastSeen = ev.Timestamp
	}
	return d
}

// Bootstrap registers the devices of a bulk device-list fetch in list order.
func (r *DeviceRegistry) Bootstrap(list []DeviceSummary) {
	for _, s := range list {
		if s.DeviceID == "" {
			continue
		}
		d := r.Ensure(s.DeviceID)
		d.StoredCount = s.LocationCount
		if s.LastSeen.After(d.LastSeen) {
			d.LastSeen = s.LastSeen
		}
	}
}

// SetVisible toggles a device's visibility. It reports false for unknown ids.
func (r *DeviceRegistry) SetVisible(id string, visible bool) bool {
	d, ok := r.devices[id]
	if !ok {
		return false
	}
	d.Visible = visible
	return true
}

// Get returns the device for id, or nil.
func (r *DeviceRegistry) Get(id string) *Device {
	return r.devices[id]
}

// IsVisible reports whether events of id belong in the current view.
// Devices the registry has never seen are visible.
func (r *DeviceRegistry) IsVisible(id string) bool {
	d, ok := r.devices[id]
	return !ok || d.Visible
}

// Size returns the number of registered devices.
func (r *DeviceRegistry) Size() int {
	return len(r.order)
}

// ColorOf returns the palette entry assigned to id, or "" for unknown ids.
func (r *DeviceRegistry) ColorOf(id string) string {
	d, ok := r.devices[id]
	if !ok {
		return ""
	}
	return r.palette[d.Color]
}

// Palette returns a copy of the palette.
func (r *DeviceRegistry) Palette() []string {
	return append([]string(nil), r.palette...)
}

// Snapshot returns copies of all devices in first-seen order.
func (r *DeviceRegistry) Snapshot() []Device {
	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.devices[id])
	}
	return out
}

// VisibleIDs returns the visible device ids in first-seen order.
func (r *DeviceRegistry) VisibleIDs() []string {
	var ids []string
	for _, id := range r.order {
		if r.devices[id].Visible {
			ids = append(ids, id)
		}
	}
	return ids
}

// AllVisible reports whether no device is hidden.
func (r *DeviceRegistry) AllVisible() bool {
	for _, d := range r.devices {
		if !d.Visible {
			return false
		}
	}
	return true
}

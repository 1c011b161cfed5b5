// Package api is the HTTP client of the fleet backend's query endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"procodus.dev/fleetwatch/internal/tracker"
)

// ErrUnexpectedStatus is wrapped when the backend answers with a non-2xx status.
var ErrUnexpectedStatus = errors.New("unexpected status")

// maxErrorBody bounds how much of a failed response is kept for the error detail.
const maxErrorBody = 512

// QueryError is returned by every failed request.
type QueryError struct {
	Op         string
	StatusCode int
	Detail     string
	Err        error
}

func (e *QueryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Config holds the client settings.
type Config struct {
	// BaseURL is the backend origin, e.g. "http://localhost:8080".
	BaseURL string
	// HTTPClient defaults to a client without timeout; callers bound
	// requests with their context.
	HTTPClient *http.Client
}

// Client talks to the /api endpoints. It implements tracker.QueryService,
// tracker.ContainmentOracle and tracker.GeofenceSource.
//
// Client is safe for concurrent use.
type Client struct {
	base       *url.URL
	httpClient *http.Client
}

var (
	_ tracker.QueryService      = (*Client)(nil)
	_ tracker.ContainmentOracle = (*Client)(nil)
	_ tracker.GeofenceSource    = (*Client)(nil)
)

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("base url cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", base.Scheme)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{base: base, httpClient: hc}, nil
}

// BaseURL returns the backend origin.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Locations runs the query for the filter: /locations/range for a time range,
// /locations/nearby for a proximity search. Devices are sent as repeated
// device parameters; an empty list asks for every device.
func (c *Client) Locations(ctx context.Context, q tracker.Query) ([]tracker.LocationEvent, error) {
	params := url.Values{}
	var path string
	switch q.Filter.Kind {
	case tracker.FilterTimeRange:
		path = "/api/locations/range"
		params.Set("start", q.Filter.Start.UTC().Format(time.RFC3339))
		params.Set("end", q.Filter.End.UTC().Format(time.RFC3339))
	case tracker.FilterProximity:
		path = "/api/locations/nearby"
		params.Set("lat", formatFloat(q.Filter.Lat))
		params.Set("lng", formatFloat(q.Filter.Lng))
		params.Set("radius", formatFloat(q.Filter.RadiusKm))
	default:
		return nil, &QueryError{Op: "locations", Err: fmt.Errorf("no query for filter %s", q.Filter.Kind)}
	}
	for _, id := range q.Devices {
		params.Add("device", id)
	}

	var events []tracker.LocationEvent
	if err := c.get(ctx, "locations", path, params, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Latest returns the newest stored events, newest first.
func (c *Client) Latest(ctx context.Context, limit int) ([]tracker.LocationEvent, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var events []tracker.LocationEvent
	if err := c.get(ctx, "history", "/api/locations/history", params, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Devices lists every device known to the backend.
func (c *Client) Devices(ctx context.Context) ([]tracker.DeviceSummary, error) {
	var devices []tracker.DeviceSummary
	if err := c.get(ctx, "devices", "/api/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Stats returns the backend's aggregate counters.
func (c *Client) Stats(ctx context.Context) (tracker.Stats, error) {
	var stats tracker.Stats
	if err := c.get(ctx, "stats", "/api/stats", nil, &stats); err != nil {
		return tracker.Stats{}, err
	}
	return stats, nil
}

// checkResponse is the body of /geofence/check.
type checkResponse struct {
	Point     []float64          `json:"point"`
	Geofences []tracker.Geofence `json:"geofences"`
	Count     int                `json:"count"`
}

// Containing asks the backend which active geofences contain the point.
// Failures wrap tracker.ErrOracleUnavailable.
func (c *Client) Containing(ctx context.Context, lat, lng float64) ([]tracker.Geofence, error) {
	params := url.Values{}
	params.Set("lat", formatFloat(lat))
	params.Set("lng", formatFloat(lng))

	var resp checkResponse
	if err := c.get(ctx, "geofence check", "/api/geofence/check", params, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", tracker.ErrOracleUnavailable, err)
	}
	return resp.Geofences, nil
}

// Geofences lists the active geofence definitions.
func (c *Client) Geofences(ctx context.Context) ([]tracker.GeofenceDefinition, error) {
	params := url.Values{}
	params.Set("active", "true")
	var defs []tracker.GeofenceDefinition
	if err := c.get(ctx, "geofences", "/api/geofences", params, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

func (c *Client) get(ctx context.Context, op, path string, params url.Values, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &QueryError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &QueryError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &QueryError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Detail:     strings.TrimSpace(string(body)),
			Err:        ErrUnexpectedStatus,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &QueryError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

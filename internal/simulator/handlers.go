package simulator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/fleetwatch/internal/tracker"
	"procodus.dev/fleetwatch/pkg/metrics"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	defaultRadiusKm     = 0.5
	maxRadiusKm         = 50
	maxRangeDuration    = 365 * 24 * time.Hour
)

// Handler returns the HTTP routes of the simulated backend.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /ws", s.hub)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/locations/latest", s.handleLatest)
	mux.HandleFunc("GET /api/locations/history", s.handleHistory)
	mux.HandleFunc("GET /api/locations/range", s.handleRange)
	mux.HandleFunc("GET /api/locations/nearby", s.handleNearby)
	mux.HandleFunc("GET /api/locations/device/{deviceId}", s.handleDeviceHistory)

	mux.HandleFunc("GET /api/geofences", s.handleGeofences)
	mux.HandleFunc("POST /api/geofences", s.handleCreateGeofence)
	mux.HandleFunc("GET /api/geofences/{id}", s.handleGeofence)
	mux.HandleFunc("DELETE /api/geofences/{id}", s.handleDeleteGeofence)
	mux.HandleFunc("GET /api/geofence/check", s.handleGeofenceCheck)

	mux.HandleFunc("POST /sim/drop", s.handleDrop)

	return s.instrument(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and durations per route pattern.
// The stream route is passed through unwrapped so it can be hijacked.
func (s *Server) instrument(next *http.ServeMux) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, route := next.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		if route == "GET /ws" {
			next.ServeHTTP(w, r)
			return
		}

		timer := prometheus.NewTimer(s.metrics.APIRequestDuration.WithLabelValues(route))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()
		s.metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"clients":   s.hub.ClientCount(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Devices())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats(s.hub.ClientCount()))
}

func (s *Server) handleLatest(w http.ResponseWriter, _ *http.Request) {
	latest := s.store.Latest(1, nil)
	if len(latest) == 0 {
		writeError(w, http.StatusNotFound, "No locations found")
		return
	}
	writeJSON(w, http.StatusOK, latest[0])
}

func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxHistoryLimit {
		return 0, false
	}
	return limit, true
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit parameter")
		return
	}
	writeJSON(w, http.StatusOK, s.store.Latest(limit, nil))
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit parameter")
		return
	}
	writeJSON(w, http.StatusOK, s.store.Latest(limit, []string{r.PathValue("deviceId")}))
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("start") == "" || q.Get("end") == "" {
		writeError(w, http.StatusBadRequest, "start and end parameters are required")
		return
	}
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start time format, use RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end time format, use RFC3339")
		return
	}
	if !start.Before(end) {
		writeError(w, http.StatusBadRequest, "Start time must be before end time")
		return
	}
	if end.Sub(start) > maxRangeDuration {
		writeError(w, http.StatusBadRequest, "Time range too large, maximum 365 days")
		return
	}
	writeJSON(w, http.StatusOK, s.store.Range(start, end, q["device"]))
}

func parseCoordinates(r *http.Request) (lat, lng float64, msg string) {
	q := r.URL.Query()
	if q.Get("lat") == "" || q.Get("lng") == "" {
		return 0, 0, "lat and lng parameters are required"
	}
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil || !validLatitude(lat) {
		return 0, 0, "Invalid latitude"
	}
	lng, err = strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil || !validLongitude(lng) {
		return 0, 0, "Invalid longitude"
	}
	return lat, lng, ""
}

func validLatitude(lat float64) bool { return lat >= -90 && lat <= 90 }

func validLongitude(lng float64) bool { return lng >= -180 && lng <= 180 }

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, lng, msg := parseCoordinates(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	radius := defaultRadiusKm
	if raw := r.URL.Query().Get("radius"); raw != "" {
		var err error
		radius, err = strconv.ParseFloat(raw, 64)
		if err != nil || radius <= 0 || radius > maxRadiusKm {
			writeError(w, http.StatusBadRequest, "Invalid radius (must be between 0 and 50 km)")
			return
		}
	}
	writeJSON(w, http.StatusOK, s.store.Nearby(lat, lng, radius, r.URL.Query()["device"]))
}

func (s *Server) handleGeofences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Geofences(r.URL.Query().Get("active") == "true"))
}

// geofenceRequest is the body of POST /api/geofences. Active defaults to true.
type geofenceRequest struct {
	Name        string      `json:"name" validate:"required,max=255"`
	Description string      `json:"description" validate:"max=1000"`
	Coordinates [][]float64 `json:"coordinates" validate:"required,min=3,dive,lnglat"`
	Active      *bool       `json:"active"`
}

// geofenceValidate checks geofence requests. Initialized in init() with the
// coordinate validator.
var geofenceValidate *validator.Validate

func init() {
	geofenceValidate = validator.New()
	_ = geofenceValidate.RegisterValidation("lnglat", validateLngLat)
}

// validateLngLat accepts one [lng, lat] pair within WGS84 bounds.
func validateLngLat(fl validator.FieldLevel) bool {
	pair, ok := fl.Field().Interface().([]float64)
	if !ok || len(pair) != 2 {
		return false
	}
	return validLongitude(pair[0]) && validLatitude(pair[1])
}

func (s *Server) handleCreateGeofence(w http.ResponseWriter, r *http.Request) {
	var req geofenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := geofenceValidate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid geofence: "+err.Error())
		return
	}

	def := tracker.GeofenceDefinition{
		Name:        req.Name,
		Description: req.Description,
		Coordinates: req.Coordinates,
		Active:      req.Active == nil || *req.Active,
	}
	created, err := s.store.AddGeofence(def)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("geofence created", "id", created.ID, "name", created.Name)
	writeJSON(w, http.StatusCreated, created)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil
}

func (s *Server) handleGeofence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid geofence id")
		return
	}
	def, err := s.store.Geofence(id)
	if errors.Is(err, ErrGeofenceNotFound) {
		writeError(w, http.StatusNotFound, "Geofence not found")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeleteGeofence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid geofence id")
		return
	}
	if err := s.store.DeleteGeofence(id); err != nil {
		writeError(w, http.StatusNotFound, "Geofence not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGeofenceCheck(w http.ResponseWriter, r *http.Request) {
	lat, lng, msg := parseCoordinates(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	fences := s.store.Containing(lat, lng)
	writeJSON(w, http.StatusOK, map[string]any{
		"point":     []float64{lng, lat},
		"geofences": fences,
		"count":     len(fences),
	})
}

// handleDrop severs every stream connection so clients exercise reconnection.
func (s *Server) handleDrop(w http.ResponseWriter, _ *http.Request) {
	n := s.hub.Drop()
	s.logger.Info("dropped stream clients", "clients", n)
	writeJSON(w, http.StatusOK, map[string]int{"dropped": n})
}

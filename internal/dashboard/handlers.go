// Package dashboard serves the operator dashboard of the tracking engine:
// a status page plus a JSON API that reads the view and drives mode changes.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/fleetwatch/internal/tracker"
	"procodus.dev/fleetwatch/pkg/metrics"
)

// maxBodyBytes bounds action request bodies.
const maxBodyBytes = 1 << 20

// Handler returns the HTTP routes of the dashboard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/view", s.handleView)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/transitions", s.handleTransitions)

	mux.HandleFunc("POST /api/mode/history", s.handleEnterHistory)
	mux.HandleFunc("POST /api/mode/live", s.handleExitHistory)
	mux.HandleFunc("POST /api/filter", s.handleApplyFilter)
	mux.HandleFunc("DELETE /api/filter", s.handleClearFilter)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/devices/{id}/visibility", s.handleVisibility)
	mux.HandleFunc("POST /api/history-limit", s.handleHistoryLimit)
	mux.HandleFunc("POST /api/selection", s.handleSelection)
	mux.HandleFunc("POST /api/reconnect", s.handleReconnect)

	// Status page (catch-all, must be last)
	mux.HandleFunc("GET /{$}", s.handleIndex)

	return s.instrument(mux)
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

// instrument records the HTTP metrics per route pattern.
func (s *Server) instrument(next *http.ServeMux) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, route := next.Handler(r)
		if route == "" {
			route = "unmatched"
		}

		inFlight := s.metrics.HTTPRequestsInFlight.WithLabelValues(r.Method, route)
		inFlight.Inc()
		defer inFlight.Dec()

		timer := prometheus.NewTimer(s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route))
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()

		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		s.metrics.HTTPResponseSize.WithLabelValues(route).Observe(float64(rec.size))
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

// errorStatus maps engine errors to HTTP statuses. Anything unknown is a
// failure of the backend the engine queried.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, tracker.ErrInvalidFilter), errors.Is(err, tracker.ErrInvalidHistoryLimit):
		return http.StatusBadRequest
	case errors.Is(err, tracker.ErrSuperseded), errors.Is(err, tracker.ErrWrongMode):
		return http.StatusConflict
	case errors.Is(err, tracker.ErrEngineStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// actionContext bounds one engine call.
func (s *Server) actionContext(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := s.config.ActionTimeout
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	return context.WithTimeout(r.Context(), timeout)
}

func (s *Server) countAction(action string, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.ActionsTotal.WithLabelValues(action, status).Inc()
}

// fail logs and writes an engine error.
func (s *Server) fail(w http.ResponseWriter, action string, err error) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("engine action failed", "action", action, "error", err)
	} else {
		s.logger.Debug("engine action rejected", "action", action, "error", err)
	}
	writeError(w, code, err.Error())
}

// decode reads a JSON body, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// resultResponse is the body of actions that may run a history query.
type resultResponse struct {
	Result  *tracker.QueryResult `json:"result"`
	Count   int                  `json:"count"`
	Pending bool                 `json:"pending,omitempty"`
}

func newResultResponse(r *tracker.QueryResult) resultResponse {
	resp := resultResponse{Result: r}
	if r != nil {
		resp.Count = len(r.Events)
	}
	return resp
}

// writeResult answers an action that may run a history query. A query that
// outlives the action timeout keeps running in the engine and lands in the
// view when it completes, so the request is accepted rather than failed.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, action string, result *tracker.QueryResult, err error) {
	if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
		s.countAction(action, nil)
		s.logger.Info("history query still running", "action", action)
		writeJSON(w, http.StatusAccepted, resultResponse{Pending: true})
		return
	}
	s.countAction(action, err)
	if err != nil {
		s.fail(w, action, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultResponse(result))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"connection": st.State,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.actionContext(r)
	defer cancel()

	view, err := s.engine.View(ctx)
	if err != nil {
		s.fail(w, "view", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.actionContext(r)
	defer cancel()

	devices, err := s.engine.Devices(ctx)
	if err != nil {
		s.fail(w, "devices", err)
		return
	}
	if devices == nil {
		devices = []tracker.DeviceView{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// statusResponse is the body of /api/status.
type statusResponse struct {
	Connection tracker.ConnectionStatus `json:"connection"`
	Message    string                   `json:"message"`
	Stats      tracker.Stats            `json:"stats"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		Connection: st,
		Message:    st.String(),
		Stats:      s.engine.Stats(),
	})
}

func (s *Server) handleTransitions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Transitions())
}

func (s *Server) handleEnterHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.actionContext(r)
	defer cancel()

	result, err := s.engine.EnterHistory(ctx)
	s.writeResult(w, r, "enter_history", result, err)
}

func (s *Server) handleExitHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.actionContext(r)
	defer cancel()

	applied, err := s.engine.ExitHistory(ctx)
	s.countAction("exit_history", err)
	if err != nil {
		s.fail(w, "exit_history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": applied})
}

func (s *Server) handleApplyFilter(w http.ResponseWriter, r *http.Request) {
	var f tracker.Filter
	if err := decode(w, r, &f); err != nil {
		s.countAction("apply_filter", err)
		writeError(w, http.StatusBadRequest, "Invalid filter: "+err.Error())
		return
	}

	ctx, cancel := s.actionContext(r)
	defer cancel()

	result, err := s.engine.ApplyFilter(ctx, f)
	s.writeResult(w, r, "apply_filter", result, err)
}

func (s *Server) handleClearFilter(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.actionContext(r)
	defer cancel()

	err := s.engine.ClearFilter(ctx)
	s.countAction("clear_filter", err)
	if err != nil {
		s.fail(w, "clear_filter", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.actionContext(r)
	defer cancel()

	result, err := s.engine.Refresh(ctx)
	s.writeResult(w, r, "refresh", result, err)
}

type visibilityRequest struct {
	Visible *bool `json:"visible"`
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req visibilityRequest
	if err := decode(w, r, &req); err != nil || req.Visible == nil {
		s.countAction("set_visible", errors.New("bad request"))
		writeError(w, http.StatusBadRequest, "visible is required")
		return
	}

	ctx, cancel := s.actionContext(r)
	defer cancel()

	found, err := s.engine.SetVisible(ctx, id, *req.Visible)
	s.countAction("set_visible", err)
	if err != nil {
		s.fail(w, "set_visible", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "visible": *req.Visible})
}

type limitRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) handleHistoryLimit(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if err := decode(w, r, &req); err != nil {
		s.countAction("set_history_limit", err)
		writeError(w, http.StatusBadRequest, "Invalid limit: "+err.Error())
		return
	}

	ctx, cancel := s.actionContext(r)
	defer cancel()

	err := s.engine.SetHistoryLimit(ctx, req.Limit)
	s.countAction("set_history_limit", err)
	if err != nil {
		s.fail(w, "set_history_limit", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type selectionRequest struct {
	Index int `json:"index"`
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := decode(w, r, &req); err != nil {
		s.countAction("select", err)
		writeError(w, http.StatusBadRequest, "Invalid selection: "+err.Error())
		return
	}

	ctx, cancel := s.actionContext(r)
	defer cancel()

	err := s.engine.Select(ctx, req.Index)
	s.countAction("select", err)
	if err != nil {
		s.fail(w, "select", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleReconnect(w http.ResponseWriter, _ *http.Request) {
	s.engine.Reconnect()
	s.countAction("reconnect", nil)
	w.WriteHeader(http.StatusAccepted)
}

// handleIndex serves the status page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.actionContext(r)
	defer cancel()

	view, err := s.engine.View(ctx)
	if err != nil {
		s.logger.Error("failed to read view", "error", err)
		http.Error(w, "Failed to read view", errorStatus(err))
		return
	}
	devices, err := s.engine.Devices(ctx)
	if err != nil {
		s.logger.Error("failed to read devices", "error", err)
		http.Error(w, "Failed to read devices", errorStatus(err))
		return
	}

	page := statusPage{
		View:        view,
		Devices:     devices,
		Connection:  s.engine.Status(),
		Stats:       s.engine.Stats(),
		Transitions: s.Transitions(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderIndex(r.Context(), w, page, s.metrics); err != nil {
		s.logger.Error("failed to render index", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
}

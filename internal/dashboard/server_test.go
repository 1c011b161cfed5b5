package dashboard_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleetwatch/internal/dashboard"
	"procodus.dev/fleetwatch/internal/tracker"
	"procodus.dev/fleetwatch/pkg/metrics"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var _ = Describe("Dashboard Server", func() {
	var (
		logger *slog.Logger
		engine *fakeEngine
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		engine = newFakeEngine()
	})

	Describe("NewServer", func() {
		It("should create a server", func() {
			server, err := dashboard.NewServer(&dashboard.ServerConfig{
				Logger:   logger,
				HTTPPort: 8080,
				Engine:   engine,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(server).NotTo(BeNil())
		})

		It("should reject an invalid configuration", func() {
			_, err := dashboard.NewServer(nil)
			Expect(err).To(MatchError("server config cannot be nil"))

			_, err = dashboard.NewServer(&dashboard.ServerConfig{HTTPPort: 8080, Engine: engine})
			Expect(err).To(MatchError("logger cannot be nil"))

			_, err = dashboard.NewServer(&dashboard.ServerConfig{Logger: logger, HTTPPort: -1, Engine: engine})
			Expect(err).To(MatchError("HTTP port must be positive"))

			_, err = dashboard.NewServer(&dashboard.ServerConfig{Logger: logger, HTTPPort: 8080})
			Expect(err).To(MatchError("engine cannot be nil"))
		})

		It("should shut down before running", func() {
			server, err := dashboard.NewServer(&dashboard.ServerConfig{Logger: logger, HTTPPort: 8080, Engine: engine})
			Expect(err).NotTo(HaveOccurred())
			Expect(server.Shutdown()).To(Succeed())
		})
	})

	Describe("Run", func() {
		It("should stop when the context is canceled", func() {
			server, err := dashboard.NewServer(&dashboard.ServerConfig{Logger: logger, HTTPPort: 18931, Engine: engine})
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- server.Run(ctx) }()

			Eventually(func() error {
				resp, err := http.Get("http://127.0.0.1:18931/health")
				if err != nil {
					return err
				}
				return resp.Body.Close()
			}).Should(Succeed())

			cancel()
			Eventually(done, 15*time.Second).Should(Receive(BeNil()))
		})
	})

	Describe("Handler", func() {
		var (
			server *dashboard.Server
			ts     *httptest.Server
			m      *metrics.DashboardMetrics
		)

		BeforeEach(func() {
			m = metrics.NewDashboardMetrics("test", prometheus.NewRegistry())
			var err error
			server, err = dashboard.NewServer(&dashboard.ServerConfig{
				Logger:           logger,
				HTTPPort:         8080,
				Engine:           engine,
				TransitionBuffer: 3,
				Metrics:          m,
			})
			Expect(err).NotTo(HaveOccurred())
			ts = httptest.NewServer(server.Handler())
			DeferCleanup(ts.Close)
		})

		do := func(method, path, body string) (*http.Response, []byte) {
			var reader io.Reader
			if body != "" {
				reader = strings.NewReader(body)
			}
			req, err := http.NewRequest(method, ts.URL+path, reader)
			Expect(err).NotTo(HaveOccurred())
			if body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			return resp, data
		}

		It("should report health with the connection state", func() {
			resp, body := do(http.MethodGet, "/health", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(body)).To(ContainSubstring(`"connection":"connected"`))
		})

		It("should serve the view", func() {
			engine.view.Locations = []tracker.LocationEvent{{DeviceID: "truck-001", Latitude: 40.4, Longitude: -3.7, Timestamp: base}}
			resp, body := do(http.MethodGet, "/api/view", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var view tracker.View
			Expect(json.Unmarshal(body, &view)).To(Succeed())
			Expect(view.Locations).To(HaveLen(1))
			Expect(string(body)).To(ContainSubstring(`"kind":"live"`))
		})

		It("should serve devices as an empty list when none are known", func() {
			resp, body := do(http.MethodGet, "/api/devices", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
		})

		It("should describe the connection status", func() {
			engine.status = tracker.ConnectionStatus{State: tracker.StateReconnecting, Attempt: 2, MaxAttempts: 10, Delay: 2 * time.Second}
			engine.stats = tracker.Stats{ConnectedClients: 3, TotalLocations: 42}
			_, body := do(http.MethodGet, "/api/status", "")
			Expect(string(body)).To(ContainSubstring(`"message":"Reconnecting in 2s... (2/10)"`))
			Expect(string(body)).To(ContainSubstring(`"state":"reconnecting"`))
			Expect(string(body)).To(ContainSubstring(`"total_locations":42`))
		})

		Describe("mode actions", func() {
			It("should apply a filter sent by kind name", func() {
				engine.result = &tracker.QueryResult{
					Token:  4,
					Filter: tracker.TimeRange(base, base.Add(time.Hour)),
					Events: []tracker.LocationEvent{{DeviceID: "a", Timestamp: base}},
				}
				payload := fmt.Sprintf(`{"kind":"time_range","start":%q,"end":%q}`,
					base.Format(time.RFC3339), base.Add(time.Hour).Format(time.RFC3339))

				resp, body := do(http.MethodPost, "/api/filter", payload)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(string(body)).To(ContainSubstring(`"count":1`))
				Expect(engine.filters).To(HaveLen(1))
				Expect(engine.filters[0].Kind).To(Equal(tracker.FilterTimeRange))
				Expect(testutil.ToFloat64(m.ActionsTotal.WithLabelValues("apply_filter", "success"))).To(Equal(1.0))
			})

			It("should reject an invalid filter with 400", func() {
				resp, body := do(http.MethodPost, "/api/filter", `{"kind":"proximity","lat":40,"lng":-3,"radius_km":0}`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(string(body)).To(ContainSubstring("radius must be positive"))
				Expect(testutil.ToFloat64(m.ActionsTotal.WithLabelValues("apply_filter", "error"))).To(Equal(1.0))
			})

			It("should reject malformed bodies", func() {
				resp, _ := do(http.MethodPost, "/api/filter", `{"kind":"polygon"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				resp, _ = do(http.MethodPost, "/api/filter", `{"kind":"none","extra":1}`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(engine.Calls()).NotTo(ContainElement("apply_filter"))
			})

			It("should answer a filterless history entry with a null result", func() {
				resp, body := do(http.MethodPost, "/api/mode/history", "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(string(body)).To(ContainSubstring(`"result":null`))
			})

			It("should report drained events on exit", func() {
				engine.applied = 7
				resp, body := do(http.MethodPost, "/api/mode/live", "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(string(body)).To(ContainSubstring(`"applied":7`))
			})

			It("should clear the filter", func() {
				resp, _ := do(http.MethodDelete, "/api/filter", "")
				Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
				Expect(engine.cleared).To(Equal(1))
			})

			It("should refresh", func() {
				resp, _ := do(http.MethodPost, "/api/refresh", "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(engine.Calls()).To(ContainElement("refresh"))
			})

			It("should accept a history query that outlives the action timeout", func() {
				engine.err = context.DeadlineExceeded
				payload := fmt.Sprintf(`{"kind":"time_range","start":%q,"end":%q}`,
					base.Format(time.RFC3339), base.Add(time.Hour).Format(time.RFC3339))

				resp, body := do(http.MethodPost, "/api/filter", payload)
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
				Expect(string(body)).To(ContainSubstring(`"pending":true`))
				Expect(testutil.ToFloat64(m.ActionsTotal.WithLabelValues("apply_filter", "success"))).To(Equal(1.0))

				resp, _ = do(http.MethodPost, "/api/refresh", "")
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			})

			DescribeTable("maps engine errors to statuses",
				func(err error, status int) {
					engine.err = err
					resp, _ := do(http.MethodPost, "/api/mode/live", "")
					Expect(resp.StatusCode).To(Equal(status))
				},
				Entry("superseded", tracker.ErrSuperseded, http.StatusConflict),
				Entry("stopped", tracker.ErrEngineStopped, http.StatusServiceUnavailable),
				Entry("deadline", context.DeadlineExceeded, http.StatusGatewayTimeout),
				Entry("backend", errors.New("status 500"), http.StatusBadGateway),
			)
		})

		Describe("device and selection actions", func() {
			It("should toggle visibility", func() {
				resp, _ := do(http.MethodPost, "/api/devices/truck-001/visibility", `{"visible":false}`)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(engine.visibility).To(HaveKeyWithValue("truck-001", false))
			})

			It("should require the visible field", func() {
				resp, _ := do(http.MethodPost, "/api/devices/truck-001/visibility", `{}`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("should answer 404 for unknown devices", func() {
				engine.found = false
				resp, _ := do(http.MethodPost, "/api/devices/ghost/visibility", `{"visible":true}`)
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})

			It("should set the history limit", func() {
				resp, _ := do(http.MethodPost, "/api/history-limit", `{"limit":250}`)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(engine.limit).To(Equal(250))

				resp, _ = do(http.MethodPost, "/api/history-limit", `{"limit":0}`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("should select a location", func() {
				resp, _ := do(http.MethodPost, "/api/selection", `{"index":3}`)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(engine.selection).To(Equal(3))
			})

			It("should request a reconnect", func() {
				resp, _ := do(http.MethodPost, "/api/reconnect", "")
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
				Expect(engine.reconnects).To(Equal(1))
			})
		})

		Describe("transitions", func() {
			It("should keep the most recent transitions newest first", func() {
				for n := 1; n <= 5; n++ {
					engine.emit(tracker.Transition{
						DeviceID:    fmt.Sprintf("truck-%03d", n),
						Kind:        tracker.Entered,
						GeofenceIDs: []int64{1},
						Timestamp:   base.Add(time.Duration(n) * time.Second),
					})
				}

				got := server.Transitions()
				Expect(got).To(HaveLen(3))
				Expect(got[0].DeviceID).To(Equal("truck-005"))
				Expect(got[2].DeviceID).To(Equal("truck-003"))

				_, body := do(http.MethodGet, "/api/transitions", "")
				Expect(string(body)).To(ContainSubstring(`"kind":"entered"`))
			})
		})

		Describe("status page", func() {
			It("should render the view, devices and transitions", func() {
				engine.devices = []tracker.DeviceView{{
					Device: tracker.Device{ID: "<van>", Visible: true, EventCount: 2, LastSeen: base},
					Hex:    "#3b82f6",
					Inside: true,
				}}
				engine.emit(tracker.Transition{DeviceID: "<van>", Kind: tracker.Exited, GeofenceIDs: []int64{9}, Timestamp: base})

				resp, body := do(http.MethodGet, "/", "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/html"))
				page := string(body)
				Expect(page).To(ContainSubstring(`data-state="connected"`))
				Expect(page).To(ContainSubstring("&lt;van&gt;"))
				Expect(page).NotTo(ContainSubstring("<van>"))
				Expect(page).To(ContainSubstring("exited #9"))
				Expect(page).To(HavePrefix("<!doctype html>"))
				Expect(page).To(ContainSubstring(`<tr data-device="&lt;van&gt;"><td>&lt;van&gt;</td><td>#3b82f6</td><td>yes</td><td>2</td><td>0</td>`))
				Expect(page).To(ContainSubstring("<td>inside</td>"))
				Expect(strings.Count(page, "<li>")).To(Equal(1))
				Expect(testutil.CollectAndCount(m.TemplateRenderTime)).To(Equal(1))
			})

			It("should fail when the engine is stopped", func() {
				engine.err = tracker.ErrEngineStopped
				resp, _ := do(http.MethodGet, "/", "")
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			})
		})

		It("should record request metrics per route", func() {
			do(http.MethodGet, "/api/view", "")
			do(http.MethodGet, "/api/view", "")
			Expect(testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "GET /api/view", "200"))).To(Equal(2.0))
			Expect(testutil.ToFloat64(m.HTTPRequestsInFlight.WithLabelValues("GET", "GET /api/view"))).To(BeZero())
		})
	})
})

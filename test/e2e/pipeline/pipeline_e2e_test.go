// Package pipeline runs the tracking engine against the simulated backend
// and drives it through the dashboard API.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleetwatch/internal/api"
	"procodus.dev/fleetwatch/internal/dashboard"
	"procodus.dev/fleetwatch/internal/simulator"
	"procodus.dev/fleetwatch/internal/tracker"
	"procodus.dev/fleetwatch/internal/transport"
	"procodus.dev/fleetwatch/pkg/generator"
)

var _ = Describe("Pipeline E2E", func() {
	var (
		sim     *simulator.Server
		backend *httptest.Server
		engine  *tracker.Engine
		board   *httptest.Server
	)

	call := func(method, path, body string) (int, []byte) {
		GinkgoHelper()
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequest(method, board.URL+path, reader)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp.StatusCode, data
	}

	view := func() tracker.View {
		GinkgoHelper()
		status, body := call(http.MethodGet, "/api/view", "")
		Expect(status).To(Equal(http.StatusOK))
		var v tracker.View
		Expect(json.Unmarshal(body, &v)).To(Succeed())
		return v
	}

	deviceIDs := func(events []tracker.LocationEvent) []string {
		ids := make([]string, len(events))
		for i, ev := range events {
			ids[i] = ev.DeviceID
		}
		return ids
	}

	BeforeEach(func() {
		ctx, cancel := context.WithCancel(context.Background())

		fleet := generator.DefaultFleetConfig()
		fleet.Seed = 3
		var err error
		sim, err = simulator.NewServer(&simulator.ServerConfig{
			Logger:   testLogger,
			HTTPPort: 8080,
			Fleet:    fleet,
		})
		Expect(err).NotTo(HaveOccurred())
		backend = httptest.NewServer(sim.Handler())

		client, err := api.NewClient(api.Config{BaseURL: backend.URL})
		Expect(err).NotTo(HaveOccurred())
		streamURL, err := transport.URLFromOrigin(backend.URL)
		Expect(err).NotTo(HaveOccurred())

		engine, err = tracker.NewEngine(tracker.Config{
			Logger:        testLogger,
			Queries:       client,
			Dialer:        transport.NewDialer(),
			TransportURL:  streamURL,
			Oracle:        client,
			HistoryLimit:  5,
			StatsInterval: 100 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())

		server, err := dashboard.NewServer(&dashboard.ServerConfig{
			Logger:   testLogger,
			HTTPPort: 8090,
			Engine:   engine,
		})
		Expect(err).NotTo(HaveOccurred())
		board = httptest.NewServer(server.Handler())

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = engine.Run(ctx)
		}()

		DeferCleanup(func() {
			cancel()
			Eventually(done, 10*time.Second).Should(BeClosed())
			board.Close()
			sim.Hub().Close()
			backend.Close()
		})

		Eventually(func() tracker.ConnState { return engine.Status().State }, 10*time.Second).
			Should(Equal(tracker.StateConnected))
		Eventually(sim.Hub().ClientCount, 5*time.Second).Should(Equal(1))
	})

	It("should stream live positions into a capped view, newest first", func() {
		now := time.Now().UTC()
		for i := range 8 {
			sim.Publish(tracker.LocationEvent{
				DeviceID:  fmt.Sprintf("van-%d", i),
				Latitude:  40.40,
				Longitude: -3.70,
				Timestamp: now.Add(time.Duration(i) * time.Second),
			})
		}

		Eventually(func() []string { return deviceIDs(view().Locations) }, 5*time.Second).
			Should(Equal([]string{"van-7", "van-6", "van-5", "van-4", "van-3"}))

		Eventually(func() tracker.Stats { return engine.Stats() }, 5*time.Second).
			Should(HaveField("TotalLocations", BeEquivalentTo(8)))

		status, body := call(http.MethodGet, "/api/devices", "")
		Expect(status).To(Equal(http.StatusOK))
		var devices []tracker.DeviceView
		Expect(json.Unmarshal(body, &devices)).To(Succeed())
		Expect(devices).To(HaveLen(8))
	})

	It("should queue live positions during history and drain them on return", func() {
		start := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
		for i := range 3 {
			sim.Store().Add(tracker.LocationEvent{
				DeviceID:  "archive",
				Latitude:  40.41,
				Longitude: -3.71,
				Timestamp: start.Add(time.Duration(i) * time.Minute),
			})
		}

		filter := fmt.Sprintf(`{"kind":"time_range","start":%q,"end":%q}`,
			start.Add(-time.Minute).Format(time.RFC3339), start.Add(time.Hour).Format(time.RFC3339))
		status, body := call(http.MethodPost, "/api/filter", filter)
		Expect(status).To(Equal(http.StatusOK))
		Expect(string(body)).To(ContainSubstring(`"count":3`))

		v := view()
		Expect(v.Mode.Kind).To(Equal(tracker.ModeHistory))
		Expect(v.Locations).To(HaveLen(3))

		now := time.Now().UTC()
		for i := range 2 {
			sim.Publish(tracker.LocationEvent{DeviceID: "live", Latitude: 40.4, Longitude: -3.7, Timestamp: now.Add(time.Duration(i) * time.Second)})
		}
		Eventually(func() int { return view().Pending }, 5*time.Second).Should(Equal(2))
		Expect(view().Locations).To(HaveLen(3))

		status, body = call(http.MethodPost, "/api/mode/live", "")
		Expect(status).To(Equal(http.StatusOK))
		Expect(string(body)).To(ContainSubstring(`"applied":2`))

		v = view()
		Expect(v.Mode.Kind).To(Equal(tracker.ModeLive))
		Expect(v.Pending).To(BeZero())
		Expect(deviceIDs(v.Locations)).To(Equal([]string{"live", "live"}))
	})

	It("should reject an invalid filter without leaving live", func() {
		status, _ := call(http.MethodPost, "/api/filter", `{"kind":"proximity","lat":95,"lng":0,"radius_km":1}`)
		Expect(status).To(Equal(http.StatusBadRequest))
		Expect(view().Mode.Kind).To(Equal(tracker.ModeLive))
	})

	It("should reconnect after the backend drops the stream", func() {
		resp, err := http.Post(backend.URL+"/sim/drop", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()

		Eventually(func() tracker.ConnState { return engine.Status().State }, 5*time.Second).
			ShouldNot(Equal(tracker.StateConnected))
		Eventually(func() tracker.ConnState { return engine.Status().State }, 15*time.Second).
			Should(Equal(tracker.StateConnected))
		Eventually(sim.Hub().ClientCount, 5*time.Second).Should(Equal(1))

		sim.Publish(tracker.LocationEvent{DeviceID: "after-drop", Latitude: 40.4, Longitude: -3.7, Timestamp: time.Now().UTC()})
		Eventually(func() []string { return deviceIDs(view().Locations) }, 5*time.Second).
			Should(ContainElement("after-drop"))
	})
})

package tracker_test

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleetwatch/internal/tracker"
	"procodus.dev/fleetwatch/pkg/metrics"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []tracker.ConnectionStatus
}

func (r *stateRecorder) record(s tracker.ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) Kinds() []tracker.ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]tracker.ConnState, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s.State)
	}
	return out
}

var _ = Describe("ConnectionManager", func() {
	var (
		dialer    *fakeDialer
		scheduler *fakeScheduler
		m         *metrics.TrackerMetrics
		manager   *tracker.ConnectionManager
		recorder  *stateRecorder
	)

	BeforeEach(func() {
		dialer = &fakeDialer{}
		scheduler = &fakeScheduler{}
		recorder = &stateRecorder{}
		m = metrics.NewTrackerMetrics("test", prometheus.NewRegistry())

		var err error
		manager, err = tracker.NewConnectionManager(tracker.ConnectionConfig{
			URL:       "ws://fleet.test/ws",
			Dialer:    dialer,
			Scheduler: scheduler,
			Logger:    newTestLogger(),
			Metrics:   m,
		})
		Expect(err).NotTo(HaveOccurred())
		manager.OnStateChange(recorder.record)
	})

	AfterEach(func() {
		manager.Disconnect()
	})

	Describe("NewConnectionManager", func() {
		It("should require a url, dialer and logger", func() {
			_, err := tracker.NewConnectionManager(tracker.ConnectionConfig{Dialer: dialer, Logger: newTestLogger()})
			Expect(err).To(MatchError(ContainSubstring("url")))
			_, err = tracker.NewConnectionManager(tracker.ConnectionConfig{URL: "ws://x", Logger: newTestLogger()})
			Expect(err).To(MatchError(ContainSubstring("dialer cannot be nil")))
			_, err = tracker.NewConnectionManager(tracker.ConnectionConfig{URL: "ws://x", Dialer: dialer})
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
		})

		It("should start disconnected", func() {
			Expect(manager.IsConnected()).To(BeFalse())
			Expect(manager.Status().State).To(Equal(tracker.StateDisconnected))
		})
	})

	Describe("Connect", func() {
		It("should connect and report the states in order", func() {
			manager.Connect()
			Eventually(manager.IsConnected).Should(BeTrue())
			Eventually(recorder.Kinds).Should(Equal([]tracker.ConnState{tracker.StateConnecting, tracker.StateConnected}))
			Expect(testutil.ToFloat64(m.ConnectionState)).To(Equal(float64(tracker.StateConnected)))
		})

		It("should be a no-op while connected", func() {
			manager.Connect()
			Eventually(manager.IsConnected).Should(BeTrue())
			manager.Connect()
			Consistently(dialer.Calls).Should(Equal(1))
		})
	})

	Describe("inbound frames", func() {
		var (
			mu     sync.Mutex
			events []tracker.LocationEvent
		)

		received := func() []tracker.LocationEvent {
			mu.Lock()
			defer mu.Unlock()
			return append([]tracker.LocationEvent(nil), events...)
		}

		BeforeEach(func() {
			events = nil
			manager.OnEvent(func(ev tracker.LocationEvent) {
				mu.Lock()
				defer mu.Unlock()
				events = append(events, ev)
			})
			manager.Connect()
			Eventually(manager.IsConnected).Should(BeTrue())
		})

		It("should emit decoded events in arrival order", func() {
			conn := dialer.Last()
			conn.Send(`{"device_id":"A","latitude":1,"longitude":2,"timestamp":"2025-03-01T12:00:01Z"}`)
			conn.Send(`{"device_id":"B","latitude":3,"longitude":4,"timestamp":"2025-03-01T12:00:02Z"}`)
			Eventually(received).Should(HaveLen(2))
			Expect(received()[0].DeviceID).To(Equal("A"))
			Expect(received()[1].DeviceID).To(Equal("B"))
		})

		It("should drop malformed frames without changing state", func() {
			conn := dialer.Last()
			conn.Send(`{"device_id":`)
			conn.Send(`{"device_id":"A","latitude":1,"longitude":2,"timestamp":"2025-03-01T12:00:01Z"}`)
			Eventually(received).Should(HaveLen(1))
			Expect(manager.IsConnected()).To(BeTrue())
			Expect(testutil.ToFloat64(m.MalformedFrames)).To(Equal(1.0))
		})

		It("should answer ping with pong", func() {
			conn := dialer.Last()
			conn.Send("ping")
			conn.Send("pong")
			Eventually(conn.Written).Should(Equal([]string{"pong"}))
			Consistently(received).Should(BeEmpty())
			Expect(testutil.ToFloat64(m.MalformedFrames)).To(BeZero())
		})
	})

	Describe("reconnection", func() {
		It("should follow the backoff schedule and give up after the maximum attempts", func() {
			dialer.SetFail(errRefused)
			manager.Connect()

			for attempt := 1; attempt <= tracker.DefaultMaxReconnectAttempts; attempt++ {
				Eventually(scheduler.Len).Should(Equal(attempt))
				Expect(manager.Status().State).To(Equal(tracker.StateReconnecting))
				Expect(manager.Status().Attempt).To(Equal(attempt))
				scheduler.Fire(attempt - 1)
			}

			Eventually(func() tracker.ConnState { return manager.Status().State }).Should(Equal(tracker.StateFailed))
			Consistently(scheduler.Len).Should(Equal(tracker.DefaultMaxReconnectAttempts))
			Expect(dialer.Calls()).To(Equal(tracker.DefaultMaxReconnectAttempts + 1))

			var want []time.Duration
			for n := 1; n <= tracker.DefaultMaxReconnectAttempts; n++ {
				ms := min(1000*(1<<n), 30000)
				want = append(want, time.Duration(ms)*time.Millisecond)
			}
			Expect(scheduler.Delays()).To(Equal(want))
			Expect(testutil.ToFloat64(m.ReconnectAttempts)).To(Equal(float64(tracker.DefaultMaxReconnectAttempts)))
		})

		It("should restart the schedule on an external Connect after failing", func() {
			dialer.SetFail(errRefused)
			manager.Connect()
			for attempt := 1; attempt <= tracker.DefaultMaxReconnectAttempts; attempt++ {
				Eventually(scheduler.Len).Should(Equal(attempt))
				scheduler.Fire(attempt - 1)
			}
			Eventually(func() tracker.ConnState { return manager.Status().State }).Should(Equal(tracker.StateFailed))

			manager.Connect()
			Eventually(scheduler.Len).Should(Equal(tracker.DefaultMaxReconnectAttempts + 1))
			Expect(manager.Status().Attempt).To(Equal(1))
			Expect(scheduler.Delays()[tracker.DefaultMaxReconnectAttempts]).To(Equal(2 * time.Second))
		})

		It("should reset the attempt counter after a successful connection", func() {
			dialer.SetFail(errRefused)
			manager.Connect()
			Eventually(scheduler.Len).Should(Equal(1))
			scheduler.Fire(0)
			Eventually(scheduler.Len).Should(Equal(2))
			Expect(manager.Attempt()).To(Equal(2))

			dialer.SetFail(nil)
			scheduler.Fire(1)
			Eventually(manager.IsConnected).Should(BeTrue())
			Expect(manager.Attempt()).To(BeZero())

			Expect(dialer.Last().Close()).To(Succeed())
			Eventually(scheduler.Len).Should(Equal(3))
			status := manager.Status()
			Expect(status.State).To(Equal(tracker.StateReconnecting))
			Expect(status.Attempt).To(Equal(1))
			Expect(status.Delay).To(Equal(2 * time.Second))
			Expect(status.String()).To(Equal("Reconnecting in 2s... (1/10)"))
		})

		It("should report the drop before the reconnect", func() {
			manager.Connect()
			Eventually(manager.IsConnected).Should(BeTrue())
			Expect(dialer.Last().Close()).To(Succeed())
			Eventually(recorder.Kinds).Should(Equal([]tracker.ConnState{
				tracker.StateConnecting,
				tracker.StateConnected,
				tracker.StateDisconnected,
				tracker.StateReconnecting,
			}))
		})

		It("should honour a custom attempt limit", func() {
			limited, err := tracker.NewConnectionManager(tracker.ConnectionConfig{
				URL:         "ws://fleet.test/ws",
				Dialer:      dialer,
				Scheduler:   scheduler,
				Logger:      newTestLogger(),
				MaxAttempts: 2,
			})
			Expect(err).NotTo(HaveOccurred())
			dialer.SetFail(errRefused)
			limited.Connect()
			Eventually(scheduler.Len).Should(Equal(1))
			scheduler.Fire(0)
			Eventually(scheduler.Len).Should(Equal(2))
			scheduler.Fire(1)
			Eventually(func() tracker.ConnState { return limited.Status().State }).Should(Equal(tracker.StateFailed))
			limited.Disconnect()
		})

		It("should use the default attempt limit when none is set", func() {
			dialer.SetFail(errRefused)
			manager.Connect()
			Eventually(scheduler.Len).Should(Equal(1))
			Expect(manager.Status().MaxAttempts).To(Equal(tracker.DefaultMaxReconnectAttempts))
		})
	})

	Describe("heartbeat", func() {
		var beating *tracker.ConnectionManager

		BeforeEach(func() {
			var err error
			beating, err = tracker.NewConnectionManager(tracker.ConnectionConfig{
				URL:          "ws://fleet.test/ws",
				Dialer:       dialer,
				Scheduler:    scheduler,
				Logger:       newTestLogger(),
				Metrics:      m,
				PingInterval: tracker.DefaultPingInterval,
			})
			Expect(err).NotTo(HaveOccurred())
			beating.Connect()
			Eventually(beating.IsConnected).Should(BeTrue())
			Expect(scheduler.Delays()).To(Equal([]time.Duration{tracker.DefaultPingInterval}))
		})

		AfterEach(func() {
			beating.Disconnect()
		})

		It("should ping and keep a connection that answers", func() {
			conn := dialer.Last()
			scheduler.Fire(0)
			Eventually(conn.Written).Should(Equal([]string{"ping"}))
			Expect(scheduler.Delays()).To(Equal([]time.Duration{
				tracker.DefaultPingInterval,
				tracker.DefaultPongTimeout,
				tracker.DefaultPingInterval,
			}))

			conn.Send("pong")
			Eventually(func() bool { return scheduler.Stopped(1) }).Should(BeTrue())
			scheduler.Fire(1)
			Consistently(beating.IsConnected).Should(BeTrue())
			Expect(testutil.ToFloat64(m.HeartbeatTimeouts)).To(BeZero())
		})

		It("should close a silent connection and reconnect with backoff", func() {
			conn := dialer.Last()
			scheduler.Fire(0)
			Eventually(conn.Written).Should(Equal([]string{"ping"}))

			scheduler.Fire(1)
			Eventually(conn.closed).Should(BeClosed())
			Eventually(func() tracker.ConnState { return beating.Status().State }).Should(Equal(tracker.StateReconnecting))
			Expect(beating.Status().Attempt).To(Equal(1))
			Expect(scheduler.Delays()[3]).To(Equal(2 * time.Second))
			Expect(scheduler.Stopped(2)).To(BeTrue())
			Expect(testutil.ToFloat64(m.HeartbeatTimeouts)).To(Equal(1.0))
		})

		It("should time out from the oldest unanswered ping", func() {
			scheduler.Fire(0)
			Eventually(scheduler.Len).Should(Equal(3))
			scheduler.Fire(2)
			Eventually(dialer.Last().Written).Should(Equal([]string{"ping", "ping"}))
			Expect(scheduler.Delays()[3]).To(Equal(tracker.DefaultPingInterval))
			Expect(scheduler.Len()).To(Equal(4))
		})
	})

	Describe("Disconnect", func() {
		It("should close the connection and suppress reconnection", func() {
			manager.Connect()
			Eventually(manager.IsConnected).Should(BeTrue())
			conn := dialer.Last()

			manager.Disconnect()
			Expect(manager.IsConnected()).To(BeFalse())
			Expect(manager.Status().State).To(Equal(tracker.StateDisconnected))
			Eventually(conn.closed).Should(BeClosed())
			Consistently(scheduler.Len).Should(BeZero())
		})

		It("should cancel a pending retry", func() {
			dialer.SetFail(errRefused)
			manager.Connect()
			Eventually(scheduler.Len).Should(Equal(1))
			manager.Disconnect()
			scheduler.Fire(0)
			Consistently(dialer.Calls).Should(Equal(1))
		})
	})

	It("should describe each state", func() {
		Expect(tracker.ConnectionStatus{State: tracker.StateConnected}.String()).To(Equal("Connected"))
		Expect(tracker.ConnectionStatus{State: tracker.StateFailed}.String()).To(Equal("Connection failed"))
		Expect(tracker.ConnectionStatus{State: tracker.StateReconnecting, Attempt: 3, MaxAttempts: 10, Delay: 8 * time.Second}.String()).
			To(Equal("Reconnecting in 8s... (3/10)"))
	})
})

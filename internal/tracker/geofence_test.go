package tracker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleetwatch/internal/tracker"
	"procodus.dev/fleetwatch/pkg/metrics"
)

type staticSource struct {
	defs []tracker.GeofenceDefinition
	err  error
}

func (s staticSource) Geofences(context.Context) ([]tracker.GeofenceDefinition, error) {
	return s.defs, s.err
}

var _ = Describe("ViolationDetector", func() {
	var (
		oracle   *scriptedOracle
		detector *tracker.ViolationDetector
		m        *metrics.TrackerMetrics
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		oracle = &scriptedOracle{}
		m = metrics.NewTrackerMetrics("test", prometheus.NewRegistry())
		var err error
		detector, err = tracker.NewViolationDetector(newTestLogger(), oracle, m)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should require a logger and an oracle", func() {
		_, err := tracker.NewViolationDetector(nil, oracle, nil)
		Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
		_, err = tracker.NewViolationDetector(newTestLogger(), nil, nil)
		Expect(err).To(MatchError(ContainSubstring("oracle cannot be nil")))
	})

	It("should emit exactly one transition per edge", func() {
		oracle.script = []oracleAnswer{outside(), inside(7), inside(7), inside(7), outside()}

		var emitted []tracker.Transition
		detector.OnTransition(func(t tracker.Transition) { emitted = append(emitted, t) })

		var after []int
		for n := 1; n <= 5; n++ {
			t, err := detector.Check(ctx, event("truck", n))
			Expect(err).NotTo(HaveOccurred())
			if t != nil {
				after = append(after, n)
			}
		}

		Expect(after).To(Equal([]int{2, 5}))
		Expect(emitted).To(HaveLen(2))
		Expect(emitted[0].Kind).To(Equal(tracker.Entered))
		Expect(emitted[0].GeofenceIDs).To(Equal([]int64{7}))
		Expect(emitted[0].Timestamp).To(Equal(event("truck", 2).Timestamp))
		Expect(emitted[1].Kind).To(Equal(tracker.Exited))
		Expect(emitted[1].GeofenceIDs).To(Equal([]int64{7}))
		Expect(testutil.ToFloat64(m.ViolationTransitions.WithLabelValues("entered"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.ViolationTransitions.WithLabelValues("exited"))).To(Equal(1.0))
	})

	It("should treat unseen devices as outside", func() {
		oracle.script = []oracleAnswer{outside()}
		t, err := detector.Check(ctx, event("new", 1))
		Expect(err).NotTo(HaveOccurred())
		Expect(t).To(BeNil())
		Expect(detector.Inside("new")).To(BeFalse())
	})

	It("should keep per-device state apart", func() {
		oracle.script = []oracleAnswer{inside(1), outside(), inside(1)}
		t1, _ := detector.Check(ctx, event("A", 1))
		t2, _ := detector.Check(ctx, event("B", 2))
		t3, _ := detector.Check(ctx, event("A", 3))
		Expect(t1).NotTo(BeNil())
		Expect(t2).To(BeNil())
		Expect(t3).To(BeNil())
		Expect(detector.Inside("A")).To(BeTrue())
		Expect(detector.Inside("B")).To(BeFalse())
	})

	It("should name the latest containing geofences on exit", func() {
		oracle.script = []oracleAnswer{inside(1), inside(1, 2), outside()}
		_, _ = detector.Check(ctx, event("A", 1))
		_, _ = detector.Check(ctx, event("A", 2))
		Expect(detector.State("A").GeofenceIDs).To(Equal([]int64{1, 2}))
		t, _ := detector.Check(ctx, event("A", 3))
		Expect(t.Kind).To(Equal(tracker.Exited))
		Expect(t.GeofenceIDs).To(Equal([]int64{1, 2}))
	})

	Describe("oracle unavailable", func() {
		It("should skip the check and never fabricate an exit", func() {
			oracle.script = []oracleAnswer{inside(3), unavailable(), inside(3)}
			first, err := detector.Check(ctx, event("A", 1))
			Expect(err).NotTo(HaveOccurred())
			Expect(first).NotTo(BeNil())

			skipped, err := detector.Check(ctx, event("A", 2))
			Expect(err).To(MatchError(tracker.ErrOracleUnavailable))
			Expect(skipped).To(BeNil())
			Expect(detector.Inside("A")).To(BeTrue())

			again, err := detector.Check(ctx, event("A", 3))
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(BeNil())
			Expect(testutil.ToFloat64(m.OracleFailures)).To(Equal(1.0))
		})
	})

	Describe("Run", func() {
		It("should check queued events in arrival order", func() {
			oracle.script = []oracleAnswer{inside(1), outside(), inside(1), outside()}
			var (
				mu    sync.Mutex
				kinds []tracker.TransitionKind
			)
			detector.OnTransition(func(t tracker.Transition) {
				mu.Lock()
				defer mu.Unlock()
				kinds = append(kinds, t.Kind)
			})

			for n := 1; n <= 4; n++ {
				detector.OnReconciled(event("A", n))
			}

			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- detector.Run(runCtx) }()

			Eventually(func() []tracker.TransitionKind {
				mu.Lock()
				defer mu.Unlock()
				return append([]tracker.TransitionKind(nil), kinds...)
			}).Should(Equal([]tracker.TransitionKind{tracker.Entered, tracker.Exited, tracker.Entered, tracker.Exited}))
			Expect(detector.Backlog()).To(BeZero())

			cancel()
			Eventually(done).Should(Receive(MatchError(context.Canceled)))
		})
	})

	It("should encode transitions with named kinds", func() {
		data, err := json.Marshal(tracker.Transition{DeviceID: "A", Kind: tracker.Entered, GeofenceIDs: []int64{4}})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"kind":"entered"`))
	})
})

var _ = Describe("PolygonOracle", func() {
	square := tracker.GeofenceDefinition{
		ID:          1,
		Name:        "Depot",
		Active:      true,
		Coordinates: [][]float64{{-3.71, 40.41}, {-3.69, 40.41}, {-3.69, 40.43}, {-3.71, 40.43}},
	}

	It("should find the polygons containing a point", func() {
		oracle, err := tracker.NewPolygonOracle([]tracker.GeofenceDefinition{square})
		Expect(err).NotTo(HaveOccurred())

		fences, err := oracle.Containing(context.Background(), 40.42, -3.70)
		Expect(err).NotTo(HaveOccurred())
		Expect(fences).To(Equal([]tracker.Geofence{{ID: 1, Name: "Depot"}}))

		fences, err = oracle.Containing(context.Background(), 40.50, -3.70)
		Expect(err).NotTo(HaveOccurred())
		Expect(fences).To(BeEmpty())
	})

	It("should skip inactive geofences", func() {
		inactive := square
		inactive.Active = false
		oracle, err := tracker.NewPolygonOracle([]tracker.GeofenceDefinition{inactive})
		Expect(err).NotTo(HaveOccurred())
		Expect(oracle.Len()).To(BeZero())
	})

	It("should accept closed rings", func() {
		closed := square
		closed.Coordinates = append(append([][]float64(nil), square.Coordinates...), square.Coordinates[0])
		oracle, err := tracker.NewPolygonOracle([]tracker.GeofenceDefinition{closed})
		Expect(err).NotTo(HaveOccurred())
		fences, _ := oracle.Containing(context.Background(), 40.42, -3.70)
		Expect(fences).To(HaveLen(1))
	})

	It("should reject degenerate polygons", func() {
		bad := square
		bad.Coordinates = [][]float64{{0, 0}, {1, 1}}
		_, err := tracker.NewPolygonOracle([]tracker.GeofenceDefinition{bad})
		Expect(err).To(HaveOccurred())

		bad.Coordinates = [][]float64{{0, 0}, {1}, {1, 1}}
		_, err = tracker.NewPolygonOracle([]tracker.GeofenceDefinition{bad})
		Expect(err).To(HaveOccurred())
	})

	It("should load definitions from a source", func() {
		oracle, err := tracker.LoadPolygonOracle(context.Background(), staticSource{defs: []tracker.GeofenceDefinition{square}})
		Expect(err).NotTo(HaveOccurred())
		Expect(oracle.Len()).To(Equal(1))

		_, err = tracker.LoadPolygonOracle(context.Background(), staticSource{err: errors.New("boom")})
		Expect(err).To(MatchError(ContainSubstring("load geofences")))
	})
})

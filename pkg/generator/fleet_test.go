package generator_test

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleetwatch/pkg/generator"
)

var _ = Describe("Fleet", func() {
	var cfg generator.FleetConfig

	BeforeEach(func() {
		cfg = generator.DefaultFleetConfig()
		cfg.Seed = 42
	})

	It("should validate the configuration", func() {
		bad := cfg
		bad.Size = 0
		_, err := generator.NewFleet(bad)
		Expect(err).To(MatchError(ContainSubstring("size must be positive")))

		bad = cfg
		bad.RadiusKm = 0
		_, err = generator.NewFleet(bad)
		Expect(err).To(MatchError(ContainSubstring("radius must be positive")))
	})

	It("should create distinct vehicles near the depot", func() {
		fleet, err := generator.NewFleet(cfg)
		Expect(err).NotTo(HaveOccurred())

		vehicles := fleet.Vehicles()
		Expect(vehicles).To(HaveLen(cfg.Size))

		ids := map[string]bool{}
		for _, v := range vehicles {
			Expect(ids).NotTo(HaveKey(v.DeviceID))
			ids[v.DeviceID] = true
			Expect(v.DeviceID).To(MatchRegexp(`^(truck|van|bus|car)-\d{3}$`))
			Expect(v.Plate).To(MatchRegexp(`^[A-Z]{3}-\d{4}$`))
			Expect(v.Brand).NotTo(BeEmpty())
			Expect(geo.DistanceHaversine(v.Position, fleet.Depot())).To(BeNumerically("<=", cfg.RadiusKm*1000))
		}
	})

	It("should be reproducible for a seed", func() {
		a, err := generator.NewFleet(cfg)
		Expect(err).NotTo(HaveOccurred())
		b, err := generator.NewFleet(cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Vehicles()).To(Equal(b.Vehicles()))
	})

	It("should keep vehicles around the depot", func() {
		fleet, err := generator.NewFleet(cfg)
		Expect(err).NotTo(HaveOccurred())

		now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 500; i++ {
			now = now.Add(30 * time.Second)
			for _, r := range fleet.StepAll(now) {
				Expect(r.Latitude).To(BeNumerically(">=", -90))
				Expect(r.Latitude).To(BeNumerically("<=", 90))
				Expect(r.Timestamp).To(Equal(now))
				// A vehicle may overshoot by at most one step at top speed.
				d := geo.DistanceHaversine(orb.Point{r.Longitude, r.Latitude}, fleet.Depot())
				Expect(d).To(BeNumerically("<", cfg.RadiusKm*1000+2000))
			}
		}
	})

	It("should report one known vehicle per Step", func() {
		fleet, err := generator.NewFleet(cfg)
		Expect(err).NotTo(HaveOccurred())

		ids := map[string]bool{}
		for _, v := range fleet.Vehicles() {
			ids[v.DeviceID] = true
		}
		r := fleet.Step(time.Now())
		Expect(ids).To(HaveKey(r.DeviceID))
	})
})

package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/fleetwatch/internal/simulator"
	"procodus.dev/fleetwatch/pkg/generator"
	"procodus.dev/fleetwatch/pkg/metrics"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated fleet backend",
	Long: `Run a stand-in fleet backend that:
- Moves a synthetic fleet around a depot
- Streams each position to WebSocket clients on /ws
- Answers the location, device, stats and geofence query endpoints
- Keeps everything in memory`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	defaults := generator.DefaultFleetConfig()
	simulateCmd.Flags().Int("http-port", 8080, "HTTP server port")
	simulateCmd.Flags().Int("devices", defaults.Size, "Number of simulated vehicles")
	simulateCmd.Flags().Duration("interval", simulator.DefaultInterval, "Interval between generated positions")
	simulateCmd.Flags().Float64("latitude", defaults.Latitude, "Depot latitude")
	simulateCmd.Flags().Float64("longitude", defaults.Longitude, "Depot longitude")
	simulateCmd.Flags().Float64("radius-km", defaults.RadiusKm, "Radius the fleet stays within")
	simulateCmd.Flags().Uint64("seed", 0, "Random seed (0 for a random fleet)")
	simulateCmd.Flags().Int("max-stored", simulator.DefaultMaxStored, "Maximum stored locations")

	_ = viper.BindPFlag("simulate.http.port", simulateCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("simulate.devices", simulateCmd.Flags().Lookup("devices"))
	_ = viper.BindPFlag("simulate.interval", simulateCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("simulate.depot.latitude", simulateCmd.Flags().Lookup("latitude"))
	_ = viper.BindPFlag("simulate.depot.longitude", simulateCmd.Flags().Lookup("longitude"))
	_ = viper.BindPFlag("simulate.radius_km", simulateCmd.Flags().Lookup("radius-km"))
	_ = viper.BindPFlag("simulate.seed", simulateCmd.Flags().Lookup("seed"))
	_ = viper.BindPFlag("simulate.max_stored", simulateCmd.Flags().Lookup("max-stored"))
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator service")

	config := &simulator.ServerConfig{
		Logger:   logger,
		HTTPPort: viper.GetInt("simulate.http.port"),
		Fleet: generator.FleetConfig{
			Size:      viper.GetInt("simulate.devices"),
			Latitude:  viper.GetFloat64("simulate.depot.latitude"),
			Longitude: viper.GetFloat64("simulate.depot.longitude"),
			RadiusKm:  viper.GetFloat64("simulate.radius_km"),
			Seed:      viper.GetUint64("simulate.seed"),
		},
		Interval:  viper.GetDuration("simulate.interval"),
		MaxStored: viper.GetInt("simulate.max_stored"),
		Metrics:   metrics.NewSimulatorMetrics(metricsNamespace, nil),
	}

	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator server", "error", err)
		return err
	}

	logger.Info("simulator server configuration",
		"http_port", config.HTTPPort,
		"devices", config.Fleet.Size,
		"interval", config.Interval,
		"depot", []float64{config.Fleet.Latitude, config.Fleet.Longitude},
		"seed", config.Fleet.Seed,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator server error", "error", err)
		return err
	}

	logger.Info("simulator server stopped")
	return nil
}

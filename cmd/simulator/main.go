// Command simulator runs the stand-in fleet backend without the CLI's
// config layer, for containers and local experiments.
package main

import (
	"context"
	"flag"
	"os"

	"procodus.dev/fleetwatch/internal/simulator"
	"procodus.dev/fleetwatch/pkg/generator"
	"procodus.dev/fleetwatch/pkg/logger"
)

func main() {
	defaults := generator.DefaultFleetConfig()

	httpPort := flag.Int("http-port", 8080, "HTTP server port")
	devices := flag.Int("devices", defaults.Size, "Number of simulated vehicles")
	interval := flag.Duration("interval", simulator.DefaultInterval, "Interval between generated positions")
	seed := flag.Uint64("seed", 0, "Random seed (0 for a random fleet)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	log := logger.NewWithLevel(logger.ParseLevel(*logLevel))

	fleet := defaults
	fleet.Size = *devices
	fleet.Seed = *seed

	server, err := simulator.NewServer(&simulator.ServerConfig{
		Logger:   log,
		HTTPPort: *httpPort,
		Fleet:    fleet,
		Interval: *interval,
	})
	if err != nil {
		log.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	log.Info("starting simulator",
		"http_port", *httpPort,
		"devices", *devices,
		"interval", *interval,
	)

	if err := server.Run(context.Background()); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	log.Info("simulator stopped")
}

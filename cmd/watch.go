package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"procodus.dev/fleetwatch/internal/api"
	"procodus.dev/fleetwatch/internal/dashboard"
	"procodus.dev/fleetwatch/internal/notify"
	"procodus.dev/fleetwatch/internal/tracker"
	"procodus.dev/fleetwatch/internal/transport"
	"procodus.dev/fleetwatch/pkg/logger"
	"procodus.dev/fleetwatch/pkg/metrics"
	"procodus.dev/fleetwatch/pkg/mq"
)

const metricsNamespace = "fleetwatch"

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a fleet backend",
	Long: `Run the tracking engine that:
- Streams live locations from the backend over WebSocket, reconnecting with backoff
- Switches between live tracking and filtered history queries
- Detects geofence entries and exits
- Optionally publishes geofence transitions to RabbitMQ
- Serves a dashboard with the current view, health and metrics`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().String("backend-url", "http://localhost:8080", "Fleet backend origin")
	watchCmd.Flags().Int("history-limit", tracker.DefaultHistoryLimit, "Maximum live locations kept")
	watchCmd.Flags().Int("max-reconnect-attempts", tracker.DefaultMaxReconnectAttempts, "Reconnect attempts before giving up (0 uses the default)")
	watchCmd.Flags().Duration("stats-interval", tracker.DefaultStatsInterval, "Interval between backend stats polls")
	watchCmd.Flags().String("oracle", "remote", "Geofence containment: remote, local or none")
	watchCmd.Flags().Int("http-port", 8090, "Dashboard HTTP port")
	watchCmd.Flags().String("rabbitmq-url", "", "RabbitMQ URL for geofence transitions (disabled when empty)")
	watchCmd.Flags().String("rabbitmq-queue", "geofence-transitions", "RabbitMQ queue for geofence transitions")

	_ = viper.BindPFlag("watch.backend_url", watchCmd.Flags().Lookup("backend-url"))
	_ = viper.BindPFlag("watch.history_limit", watchCmd.Flags().Lookup("history-limit"))
	_ = viper.BindPFlag("watch.max_reconnect_attempts", watchCmd.Flags().Lookup("max-reconnect-attempts"))
	_ = viper.BindPFlag("watch.stats_interval", watchCmd.Flags().Lookup("stats-interval"))
	_ = viper.BindPFlag("watch.oracle", watchCmd.Flags().Lookup("oracle"))
	_ = viper.BindPFlag("watch.http.port", watchCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("watch.rabbitmq.url", watchCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("watch.rabbitmq.queue", watchCmd.Flags().Lookup("rabbitmq-queue"))
}

func runWatch(_ *cobra.Command, _ []string) error {
	log := logger.WithContext(GetLogger(), slog.String("command", "watch"))
	log.Info("starting watch service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backendURL := viper.GetString("watch.backend_url")
	client, err := api.NewClient(api.Config{BaseURL: backendURL})
	if err != nil {
		log.Error("failed to create backend client", "error", err)
		return err
	}
	streamURL, err := transport.URLFromOrigin(backendURL)
	if err != nil {
		log.Error("failed to derive stream url", "error", err)
		return err
	}

	oracle, err := newOracle(ctx, viper.GetString("watch.oracle"), client)
	if err != nil {
		log.Error("failed to set up geofence oracle", "error", err)
		return err
	}

	engine, err := tracker.NewEngine(tracker.Config{
		Logger:               log,
		Queries:              client,
		Dialer:               transport.NewDialer(),
		TransportURL:         streamURL,
		Oracle:               oracle,
		HistoryLimit:         viper.GetInt("watch.history_limit"),
		MaxReconnectAttempts: viper.GetInt("watch.max_reconnect_attempts"),
		StatsInterval:        viper.GetDuration("watch.stats_interval"),
		Metrics:              metrics.NewTrackerMetrics(metricsNamespace, nil),
	})
	if err != nil {
		log.Error("failed to create engine", "error", err)
		return err
	}

	var publisher *notify.Publisher
	if url := viper.GetString("watch.rabbitmq.url"); url != "" {
		p, closeMQ, err := newPublisher(log, url, viper.GetString("watch.rabbitmq.queue"))
		if err != nil {
			log.Error("failed to create transition publisher", "error", err)
			return err
		}
		// Deferred before the group runs, so it closes after every goroutine returned.
		defer closeMQ()
		publisher = p
		engine.OnTransition(publisher.Enqueue)
	}

	server, err := dashboard.NewServer(&dashboard.ServerConfig{
		Logger:   logger.Component(log, "dashboard"),
		HTTPPort: viper.GetInt("watch.http.port"),
		Engine:   engine,
		Metrics:  metrics.NewDashboardMetrics(metricsNamespace, nil),
	})
	if err != nil {
		log.Error("failed to create dashboard server", "error", err)
		return err
	}

	log.Info("watch configuration",
		"backend_url", client.BaseURL(),
		"stream_url", streamURL,
		"oracle", viper.GetString("watch.oracle"),
		"history_limit", viper.GetInt("watch.history_limit"),
		"notifications", publisher != nil,
		"http_port", viper.GetInt("watch.http.port"),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	if publisher != nil {
		g.Go(func() error {
			if err := publisher.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	// The dashboard owns signal handling; its return stops the rest.
	g.Go(func() error {
		defer cancel()
		return server.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("watch service error", "error", err)
		return err
	}

	log.Info("watch service stopped")
	return nil
}

// newOracle picks the containment oracle. A local oracle loads the active
// geofences once at startup.
func newOracle(ctx context.Context, kind string, client *api.Client) (tracker.ContainmentOracle, error) {
	switch kind {
	case "remote":
		return client, nil
	case "local":
		loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return tracker.LoadPolygonOracle(loadCtx, client)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown oracle %q (want remote, local or none)", kind)
	}
}

func newPublisher(log *slog.Logger, url, queue string) (*notify.Publisher, func(), error) {
	client, err := mq.New(mq.Config{
		URL:     url,
		Queue:   queue,
		Logger:  logger.Component(log, "mq"),
		Durable: true,
		Metrics: metrics.NewMQMetrics(metricsNamespace, nil),
	})
	if err != nil {
		return nil, nil, err
	}

	publisher, err := notify.NewPublisher(notify.Config{
		Client:  client,
		Logger:  logger.Component(log, "notify"),
		Metrics: metrics.NewNotifierMetrics(metricsNamespace, nil),
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	closeMQ := func() {
		if err := client.Close(); err != nil {
			log.Error("failed to close rabbitmq client", "error", err)
		}
	}
	return publisher, closeMQ, nil
}

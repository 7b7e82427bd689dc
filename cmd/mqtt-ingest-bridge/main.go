package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"mqtt-ingest-bridge/config"
	"mqtt-ingest-bridge/internal/bridge"
	"mqtt-ingest-bridge/internal/logger"
	"mqtt-ingest-bridge/internal/metrics"
	"mqtt-ingest-bridge/internal/natsconn"
	"mqtt-ingest-bridge/internal/remote"
	"mqtt-ingest-bridge/internal/sink"
	"mqtt-ingest-bridge/internal/stats"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath          string
	workersOverride     int
	queueSizeOverride   int
	logLevelOverride    string
	metricsAddrOverride string
)

var rootCmd = &cobra.Command{
	Use:           "mqtt-ingest-bridge",
	Short:         "Forward MQTT messages to a cloud ingestion endpoint",
	Long:          "Subscribes to topics on a local MQTT broker, wraps each message in a template and forwards it to NATS or Google Pub/Sub. Broker, topics and template can be changed at runtime through desired properties.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "config/config.json", "path to config file")
	flags.IntVar(&workersOverride, "workers", 0, "override number of pipeline workers (0 = use config)")
	flags.IntVar(&queueSizeOverride, "queue-size", 0, "override size of processing queue (0 = use config)")
	flags.StringVar(&logLevelOverride, "log-level", "", "override log level (empty = use config)")
	flags.StringVar(&metricsAddrOverride, "metrics-addr", "", "override metrics server address (empty = use config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Printf("error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyOverrides(workersOverride, queueSizeOverride, logLevelOverride, metricsAddrOverride)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		reg            *prometheus.Registry
		metricsService *metrics.Metrics
	)
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			return fmt.Errorf("failed to create metrics service: %w", err)
		}
	}

	var (
		nc      *natsconn.Manager
		channel *remote.Channel
	)
	if cfg.Sink.Type == config.SinkTypeNATS || cfg.Remote.Enabled {
		nc = natsconn.New(cfg.NATS, logger.With("component", "nats"))
		if err := nc.Connect(); err != nil {
			return err
		}
		defer nc.Close()
	}

	out, err := newSink(ctx, cfg, nc, logger)
	if err != nil {
		return err
	}

	b, err := bridge.New(bridge.Deps{
		Config:  cfg,
		Sink:    out,
		Logger:  logger,
		Metrics: metricsService,
	})
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}

	if cfg.Remote.Enabled {
		channel = remote.New(nc.Conn(), remote.Config{
			DesiredSubject:  cfg.Remote.DesiredSubject,
			SnapshotSubject: cfg.Remote.SnapshotSubject,
			ReportedSubject: cfg.Remote.ReportedSubject,
			RequestTimeout:  config.Duration(cfg.Remote.RequestTimeout, 5*time.Second),
		}, func(ctx context.Context, props map[string]any) {
			if err := b.ApplyDesired(ctx, props); err != nil {
				logger.Warn("desired properties not fully applied", "error", err)
			}
		}, logger.With("component", "remote"))
		b.SetReporter(channel)
	}

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	if channel != nil {
		if err := channel.Start(ctx); err != nil {
			return err
		}
		// Patches published while NATS was down are lost; refetch the full document.
		if cfg.Remote.SnapshotSubject != "" {
			nc.SetOnReconnect(func() {
				if err := channel.FetchSnapshot(ctx); err != nil {
					logger.Warn("failed to refresh desired properties", "error", err)
				}
			})
		}
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		statsCollector := stats.NewStatsCollector()
		metricsCollector := metrics.NewMetricsCollector(metricsService,
			config.Duration(cfg.Metrics.UpdateInterval, 15*time.Second))
		metricsCollector.AddSampler(b.SampleMetrics)
		metricsCollector.AddSampler(func(*metrics.Metrics) {
			statsCollector.Update(b.StatsSnapshot())
		})
		metricsCollector.Start()
		defer metricsCollector.Stop()

		metricsServer = newMetricsServer(cfg, reg, b, statsCollector)
		go func() {
			logger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	logger.Info("mqtt-ingest-bridge started",
		"sink", cfg.Sink.Type,
		"output", cfg.Sink.Output,
		"workers", cfg.Processing.Workers,
		"queueSize", cfg.Processing.QueueSize,
		"remoteConfig", cfg.Remote.Enabled,
		"metricsEnabled", cfg.Metrics.Enabled)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, reopening logs")
			logger.Sync()
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("shutting down...")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()

			if metricsServer != nil {
				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("failed to shutdown metrics server", "error", err)
				}
			}

			cancel()
			if channel != nil {
				channel.Stop()
			}
			if err := b.Close(shutdownCtx); err != nil {
				logger.Error("bridge shutdown incomplete", "error", err)
			}
			return nil
		}
	}
}

func newSink(ctx context.Context, cfg *config.Config, nc *natsconn.Manager, log *logger.Logger) (sink.Sink, error) {
	switch cfg.Sink.Type {
	case config.SinkTypeNATS:
		return sink.NewNATSSink(nc.Conn(), cfg.Sink.NATS.SubjectPrefix, cfg.Sink.NATS.JetStream, log.With("component", "sink"))
	case config.SinkTypePubSub:
		return sink.NewPubSubSink(ctx, cfg.Sink.PubSub.ProjectID, cfg.Sink.PubSub.TopicID, log.With("component", "sink"))
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Sink.Type)
	}
}

func newMetricsServer(cfg *config.Config, reg *prometheus.Registry, b *bridge.Bridge, sc *stats.StatsCollector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:          reg,
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(b.Status())
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		data, err := sc.GetStatsJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})

	return &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

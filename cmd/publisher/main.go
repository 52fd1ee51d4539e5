// cmd/publisher/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pricerelay/config"
	"pricerelay/internal/bus"
	"pricerelay/internal/metrics"
	"pricerelay/logger"
)

const onceConnectTimeout = 30 * time.Second

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file (default config/config.yml)")
	once := flag.Bool("once", false, "Publish a single sample and exit")
	flag.Parse()

	path := config.ResolveConfigPath(*configPath, "config/config.yml")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("Failed to load configuration")
		os.Exit(1)
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleShutdown(cancel)

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	busCfg := cfg.Bus
	if busCfg.ClientName == "" {
		busCfg.ClientName = cfg.Relay.Name + "-publisher"
	}
	conn, err := bus.Connect(busCfg, "publisher")
	if err != nil {
		log.WithError(err).Error("failed to create bus connection")
		os.Exit(1)
	}
	defer func() {
		if err := conn.Drain(); err != nil {
			log.WithError(err).Warn("failed to drain bus connection")
		}
	}()

	pub := bus.NewPublisher(conn, busCfg, cfg.Publisher, nil)
	if *once {
		// A single sample must not sit in the reconnect buffer at exit.
		if err := bus.WaitConnected(ctx, conn, onceConnectTimeout); err != nil {
			log.WithError(err).Error("bus unavailable")
			os.Exit(1)
		}
		if err := pub.PublishOnce(ctx); err != nil {
			log.WithError(err).Error("telemetry publish failed")
			os.Exit(1)
		}
		return
	}

	if err := pub.Run(ctx); err != nil {
		log.WithError(err).Error("telemetry publisher failed")
		os.Exit(1)
	}
}

func handleShutdown(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	cancel()
}

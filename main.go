package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"pricerelay/config"
	"pricerelay/internal/bus"
	"pricerelay/internal/cache"
	"pricerelay/internal/forwarder"
	"pricerelay/internal/ingest"
	"pricerelay/internal/metrics"
	"pricerelay/internal/normalizer"
	"pricerelay/internal/sink"
	"pricerelay/internal/status"
	"pricerelay/internal/subscription"
	"pricerelay/logger"
	"pricerelay/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file (default config/config.yml)")
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

	log.WithFields(logger.Fields{
		"service":     cfg.Relay.Name,
		"version":     cfg.Relay.Version,
		"environment": config.AppEnvironment(),
		"config":      path,
	}).Info("starting price relay")
	log.WithEnv("APP_ENV", "LOG_LEVEL", "NATS_URL", "RELAY_UPSTREAM_URL").Debug("environment overrides")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init()
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)

	var store sink.DeadLetterStore
	if cfg.DeadLetter.S3.Enabled {
		s3Store, err := sink.NewS3Store(ctx, cfg.DeadLetter.S3)
		if err != nil {
			log.WithError(err).Error("failed to create dead-letter store")
			os.Exit(1)
		}
		store = s3Store
	} else if config.IsProductionLike(config.AppEnvironment()) {
		log.WithComponent("main").Warn("dead-letter storage disabled; failed deliveries are only logged")
	} else {
		log.WithComponent("main").Info("dead-letter storage disabled")
	}

	var marketSinks, busSinks []*sink.Sink
	if cfg.Upstream.Enabled {
		marketSinks = buildSinks(cfg.SinksFor(config.SourceMarket), store, cfg.DeadLetter.S3.Prefix)
	}
	if cfg.Bus.Enabled {
		busSinks = buildSinks(cfg.SinksFor(config.SourceBus), store, cfg.DeadLetter.S3.Prefix)
	}

	allSinks := append(append([]*sink.Sink{}, marketSinks...), busSinks...)

	var (
		wg      sync.WaitGroup
		buffers []metrics.Buffer
		sources = status.Sources{Relay: cfg.Relay, Sections: map[string]func() logger.Fields{}}
	)
	for _, s := range allSinks {
		sources.Sinks = append(sources.Sinks, s.Recorder)
	}

	var (
		manager *subscription.Manager
		loop    *ingest.Loop
		fwd     *forwarder.Forwarder
	)
	if cfg.Upstream.Enabled {
		topics := models.NewTopicSet(cfg.Upstream.Topics...)
		latest := cache.New()
		norm := normalizer.New(topics, cfg.Normalizer.Fields)

		manager = subscription.NewManager(cfg.Upstream, topics, nil)
		opts := ingest.Options{ForwardDuplicates: !cfg.Forwarder.SkipUnchanged}
		if cfg.Forwarder.Mode == config.ModeStreaming {
			opts.StreamBuffer = cfg.Forwarder.StreamBuffer
		}
		loop = ingest.New(norm, latest, opts)

		fwd, err = forwarder.New(cfg.Forwarder, latest, loop.Stream(), marketSinks)
		if err != nil {
			log.WithError(err).Error("failed to create forwarder")
			os.Exit(1)
		}

		buffers = append(buffers, metrics.Buffer{Name: "upstream_messages", Len: manager.BufferLen, Cap: manager.BufferCap()})
		if stream := loop.Stream(); stream != nil {
			buffers = append(buffers, metrics.Buffer{Name: "stream_records", Len: func() int { return len(stream) }, Cap: cap(stream)})
		}

		sources.Upstream = manager
		sources.Cache = latest
		sources.Sections["ingest"] = loop.ReportFields
		sources.Sections["forwarder"] = fwd.ReportFields
		logger.RegisterReportSource("ingest", loop.ReportFields)
		logger.RegisterReportSource("forwarder", fwd.ReportFields)
		logger.RegisterReportSource("upstream", func() logger.Fields {
			st := manager.Stats()
			return logger.Fields{
				"state":      st.State.String(),
				"connects":   st.Connects,
				"reconnects": st.Reconnects,
				"received":   st.Received,
				"dropped":    st.Dropped,
			}
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := manager.Run(ctx); err != nil {
				log.WithError(err).Error("subscription manager stopped")
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Run(ctx, manager.Messages())
		}()

		if err := fwd.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start forwarder")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("upstream disabled; skipping market feed")
	}

	var (
		busConn *nats.Conn
		relay   *bus.Relay
	)
	if cfg.Bus.Enabled {
		busConn, err = bus.Connect(cfg.Bus, "bus_relay")
		if err != nil {
			log.WithError(err).Error("failed to create bus connection")
			os.Exit(1)
		}
		deliverers := make([]sink.Deliverer, 0, len(busSinks))
		for _, s := range busSinks {
			deliverers = append(deliverers, s.Deliverer)
		}
		relay = bus.NewRelay(cfg.Bus, sink.NewFanout(deliverers...))
		if err := relay.Start(ctx, busConn); err != nil {
			log.WithError(err).Error("failed to start bus relay")
			os.Exit(1)
		}
		buffers = append(buffers, metrics.Buffer{Name: "bus_messages", Len: relay.BufferLen, Cap: relay.BufferCap()})
		sources.Sections["bus"] = relay.ReportFields
		logger.RegisterReportSource("bus", relay.ReportFields)
	}

	metrics.StartChannelSizeMetrics(ctx, buffers, 10*time.Second)
	startStageReporting(ctx, log, cfg.Metrics.ReportInterval, loop, allSinks)

	if srv := status.NewServer(cfg.Status, sources, log); srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Error("status server failed")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		if fwd != nil {
			log.Info("stopping forwarder")
			fwd.Stop()
		}
		if relay != nil {
			log.Info("stopping bus relay")
			relay.Stop()
		}
		if busConn != nil {
			if err := busConn.Drain(); err != nil {
				log.WithError(err).Warn("failed to drain bus connection")
			}
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(cfg.ShutdownTimeout):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("price relay stopped")
}

func buildSinks(cfgs []config.SinkConfig, store sink.DeadLetterStore, prefix string) []*sink.Sink {
	log := logger.GetLogger()
	out := make([]*sink.Sink, 0, len(cfgs))
	for _, sc := range cfgs {
		s, err := sink.Build(sc, store, prefix)
		if err != nil {
			log.WithError(err).WithField("sink", sc.Name).Error("failed to build sink")
			os.Exit(1)
		}
		log.WithComponent("main").WithFields(logger.Fields{
			"sink":   sc.Name,
			"source": sc.Source,
			"shape":  sc.Shape,
		}).Info("sink configured")
		out = append(out, s)
	}
	return out
}

// startStageReporting logs ingest and per-sink counters every interval.
func startStageReporting(ctx context.Context, log *logger.Log, interval time.Duration, loop *ingest.Loop, sinks []*sink.Sink) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if loop != nil {
					metrics.ReportIngest(log, loop.Stats())
				}
				for _, s := range sinks {
					metrics.ReportSink(log, s.Name, s.Recorder.Stats())
				}
			}
		}
	}()
}

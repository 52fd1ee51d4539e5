package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"pricerelay/config"
	"pricerelay/internal/metrics"
	"pricerelay/internal/telemetry"
	"pricerelay/logger"
)

// Publishing is the part of *nats.Conn the publisher needs.
type Publishing interface {
	Publish(subject string, data []byte) error
}

// SampleFunc produces one telemetry reading.
type SampleFunc func(ctx context.Context) (telemetry.Sample, error)

// Publisher samples host telemetry on a schedule and publishes it as JSON.
type Publisher struct {
	conn     Publishing
	subject  string
	interval time.Duration
	sample   SampleFunc
	log      *logger.Log

	published atomic.Int64
	failed    atomic.Int64
}

func NewPublisher(conn Publishing, busCfg config.BusConfig, cfg config.PublisherConfig, sample SampleFunc) *Publisher {
	if sample == nil {
		sample = telemetry.NewSampler(cfg).Sample
	}
	return &Publisher{
		conn:     conn,
		subject:  busCfg.Subject,
		interval: cfg.Interval,
		sample:   sample,
		log:      logger.GetLogger(),
	}
}

// PublishOnce samples and publishes a single reading.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	log := p.log.WithComponent("publisher").WithField("subject", p.subject)

	s, err := p.sample(ctx)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("sample telemetry: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("encode telemetry: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("publish to %s: %w", p.subject, err)
	}

	p.published.Add(1)
	log.WithField("payload", string(data)).Info("published telemetry")
	metrics.EmitMetric(p.log, "publisher", "telemetry_published", 1, "counter", logger.Fields{"subject": p.subject})
	return nil
}

// Run publishes once immediately, then every interval until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	if p.interval <= 0 {
		return fmt.Errorf("publisher interval must be positive")
	}
	log := p.log.WithComponent("publisher")

	if err := p.PublishOnce(ctx); err != nil {
		log.WithError(err).Warn("telemetry publish failed")
	}

	c := cron.New()
	spec := "@every " + p.interval.String()
	if _, err := c.AddFunc(spec, func() {
		if err := p.PublishOnce(ctx); err != nil {
			log.WithError(err).Warn("telemetry publish failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}

	log.WithFields(logger.Fields{"schedule": spec, "subject": p.subject}).Info("telemetry publisher started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("telemetry publisher stopped")
	return nil
}

func (p *Publisher) ReportFields() logger.Fields {
	return logger.Fields{
		"published": p.published.Load(),
		"failed":    p.failed.Load(),
	}
}

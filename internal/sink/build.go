package sink

import (
	"fmt"

	"pricerelay/config"
)

// Sink is a fully decorated deliverer with its mapper and counters.
type Sink struct {
	Name      string
	Deliverer Deliverer
	// Mapper is nil for raw pass-through sinks.
	Mapper   Mapper
	Recorder *Recorder
}

// Build wires the client and the configured decorators:
// metrics(dead letter(retry(rate limit(client)))).
func Build(cfg config.SinkConfig, store DeadLetterStore, deadLetterPrefix string) (*Sink, error) {
	var mapper Mapper
	if cfg.Shape != config.ShapeRaw {
		m, err := NewMapper(cfg.Shape, cfg.Prefix, cfg.FieldMap)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", cfg.Name, err)
		}
		mapper = m
	}

	rec := NewRecorder(cfg.Name)
	var d Deliverer = NewClient(cfg)
	d = WithRateLimit(d, cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	d = WithRetry(d, cfg.Retry)
	d = WithDeadLetter(d, store, deadLetterPrefix, rec)
	d = WithMetrics(d, rec)

	return &Sink{Name: cfg.Name, Deliverer: d, Mapper: mapper, Recorder: rec}, nil
}

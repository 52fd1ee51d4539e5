package subscription

import (
	"time"

	"github.com/jpillora/backoff"

	"pricerelay/config"
)

// Backoff schedules reconnect attempts. The first failure after a healthy
// period is retried immediately; further failures wait an exponentially
// growing delay bounded by Max. A Subscribed period of at least StableAfter
// resets the schedule.
type Backoff struct {
	delays      *backoff.Backoff
	stableAfter time.Duration
	failures    int
}

func NewBackoff(cfg config.BackoffConfig) *Backoff {
	factor := cfg.Multiplier
	if factor <= 1 {
		factor = 2
	}
	return &Backoff{
		delays: &backoff.Backoff{
			Min:    cfg.Min,
			Max:    cfg.Max,
			Factor: factor,
			Jitter: cfg.Jitter,
		},
		stableAfter: cfg.StableAfter,
	}
}

// Next records a failure and returns how long to wait before reconnecting.
func (b *Backoff) Next() time.Duration {
	b.failures++
	if b.failures == 1 {
		return 0
	}
	return b.delays.Duration()
}

// Observe reports how long the last connection stayed subscribed.
func (b *Backoff) Observe(subscribedFor time.Duration) {
	if subscribedFor >= b.stableAfter {
		b.Reset()
	}
}

func (b *Backoff) Reset() {
	b.failures = 0
	b.delays.Reset()
}

// Failures is the number of consecutive failures since the last reset.
func (b *Backoff) Failures() int {
	return b.failures
}

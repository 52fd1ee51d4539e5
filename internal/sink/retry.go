package sink

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"pricerelay/config"
	"pricerelay/logger"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// WithRetry retries failed deliveries up to cfg.MaxAttempts in total with
// exponential backoff and up to 25% jitter. Client errors other than 408 and
// 429 are not retried. MaxAttempts <= 1 returns next unchanged.
func WithRetry(next Deliverer, cfg config.RetryConfig) Deliverer {
	if cfg.MaxAttempts <= 1 {
		return next
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = 10 * cfg.InitialDelay
	}
	log := logger.GetLogger()

	return DelivererFunc(func(ctx context.Context, p Payload) Outcome {
		start := time.Now()
		delay := cfg.InitialDelay
		var out Outcome
		for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
			out = next.Deliver(ctx, p)
			p.ID = out.DeliveryID
			out.Attempts = attempt
			if out.Success() || !retryable(out) || attempt == cfg.MaxAttempts {
				break
			}

			sleep := delay
			randMu.Lock()
			if quarter := int64(delay / 4); quarter > 0 {
				sleep += time.Duration(randSource.Int63n(quarter))
			}
			randMu.Unlock()

			log.WithComponent("sink").WithFields(logger.Fields{
				"sink":        out.Sink,
				"delivery_id": out.DeliveryID,
				"attempt":     attempt,
				"retry_in":    sleep.String(),
			}).Info("retrying sink delivery")

			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				out.Duration = time.Since(start)
				return out
			case <-timer.C:
			}

			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		out.Duration = time.Since(start)
		return out
	})
}

func retryable(out Outcome) bool {
	switch {
	case errors.Is(out.Err, ErrEmptyPayload):
		return false
	case out.StatusCode == 0:
		return true
	case out.StatusCode == http.StatusRequestTimeout, out.StatusCode == http.StatusTooManyRequests:
		return true
	case out.StatusCode >= 500:
		return true
	default:
		return false
	}
}

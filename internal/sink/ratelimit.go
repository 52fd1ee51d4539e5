package sink

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// WithRateLimit delays deliveries to at most rps per second with the given
// burst. A non-positive rps returns next unchanged.
func WithRateLimit(next Deliverer, rps float64, burst int) Deliverer {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return DelivererFunc(func(ctx context.Context, p Payload) Outcome {
		start := time.Now()
		if err := limiter.Wait(ctx); err != nil {
			return Outcome{
				DeliveryID: p.ID,
				Err:        fmt.Errorf("rate limit wait: %w", err),
				Duration:   time.Since(start),
			}
		}
		return next.Deliver(ctx, p)
	})
}

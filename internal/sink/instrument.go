package sink

import (
	"context"
	"sync"
	"sync/atomic"

	"pricerelay/internal/metrics"
	"pricerelay/logger"
)

// Recorder counts outcomes for one sink and remembers the latest one.
type Recorder struct {
	name string

	delivered   atomic.Int64
	failed      atomic.Int64
	retried     atomic.Int64
	deadLetters atomic.Int64
	bytesSent   atomic.Int64

	mu   sync.RWMutex
	last Outcome
}

func NewRecorder(name string) *Recorder {
	return &Recorder{name: name}
}

func (r *Recorder) Name() string { return r.name }

func (r *Recorder) observe(out Outcome, size int) {
	if out.Success() {
		r.delivered.Add(1)
		r.bytesSent.Add(int64(size))
	} else {
		r.failed.Add(1)
	}
	if out.Attempts > 1 {
		r.retried.Add(int64(out.Attempts - 1))
	}
	r.mu.Lock()
	r.last = out
	r.mu.Unlock()
}

// Last returns the most recent outcome and whether one exists.
func (r *Recorder) Last() (Outcome, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.last.DeliveryID != "" || r.last.Err != nil
}

func (r *Recorder) Stats() metrics.SinkStats {
	return metrics.SinkStats{
		Delivered:   r.delivered.Load(),
		Failed:      r.failed.Load(),
		Retried:     r.retried.Load(),
		DeadLetters: r.deadLetters.Load(),
		BytesSent:   r.bytesSent.Load(),
	}
}

// WithMetrics records every outcome on rec and in the relay metrics.
func WithMetrics(next Deliverer, rec *Recorder) Deliverer {
	log := logger.GetLogger()
	return DelivererFunc(func(ctx context.Context, p Payload) Outcome {
		out := next.Deliver(ctx, p)
		if out.Sink == "" {
			out.Sink = rec.name
		}
		rec.observe(out, len(p.Body))
		metrics.ObserveDelivery(rec.name, out.Label(), out.Duration)
		fields := logger.Fields{"sink": rec.name}
		if len(p.Topics) == 1 {
			// Streaming deliveries carry one topic; batches stay per-sink.
			fields["topic"] = p.Topics[0]
		}
		metrics.EmitMetric(log, "sink", "delivery_"+out.Label(), 1, "counter", fields)
		return out
	})
}

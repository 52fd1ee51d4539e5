package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fanout delivers the same payload to every sink concurrently. The combined
// outcome succeeds only when all sinks succeed.
type Fanout struct {
	sinks []Deliverer
}

func NewFanout(sinks ...Deliverer) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Deliver(ctx context.Context, p Payload) Outcome {
	if len(f.sinks) == 1 {
		return f.sinks[0].Deliver(ctx, p)
	}
	start := time.Now()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	outcomes := f.DeliverEach(ctx, p)

	combined := Outcome{DeliveryID: p.ID, Sink: "fanout", Duration: time.Since(start)}
	var errs []error
	for _, out := range outcomes {
		combined.Attempts += out.Attempts
		if !out.Success() {
			errs = append(errs, out.Err)
		}
	}
	combined.Err = errors.Join(errs...)
	return combined
}

// DeliverEach returns one outcome per sink, in sink order.
func (f *Fanout) DeliverEach(ctx context.Context, p Payload) []Outcome {
	outcomes := make([]Outcome, len(f.sinks))
	var wg sync.WaitGroup
	for i, s := range f.sinks {
		wg.Add(1)
		go func(i int, s Deliverer) {
			defer wg.Done()
			outcomes[i] = s.Deliver(ctx, p)
		}(i, s)
	}
	wg.Wait()
	return outcomes
}

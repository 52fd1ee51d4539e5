package metrics

import (
	"context"
	"time"

	"pricerelay/logger"
)

// Buffer reports the occupancy of one bounded channel.
type Buffer struct {
	Name string
	Len  func() int
	Cap  int
}

// StartChannelSizeMetrics emits occupancy metrics for the given buffers every
// interval until the context is cancelled. When interval <= 0 a one-second
// cadence is used.
func StartChannelSizeMetrics(ctx context.Context, buffers []Buffer, interval time.Duration) {
	if len(buffers) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, b := range buffers {
					if b.Len == nil {
						continue
					}
					EmitMetric(log, component, b.Name+"_buffer_length", b.Len(), "gauge", logger.Fields{
						"buffer":   b.Name,
						"capacity": b.Cap,
					})
				}
			}
		}
	}()
}

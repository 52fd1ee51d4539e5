package metrics

import "pricerelay/logger"

// SinkStats holds delivery counters for one sink.
type SinkStats struct {
	Delivered   int64
	Failed      int64
	Retried     int64
	DeadLetters int64
	BytesSent   int64
}

// ReportSink emits common sink metrics using the provided logger and sink name.
func ReportSink(log *logger.Log, sink string, stats SinkStats) {
	l := log.WithComponent("sink").WithField("sink", sink)

	errorRate := float64(0)
	if stats.Delivered+stats.Failed > 0 {
		errorRate = float64(stats.Failed) / float64(stats.Delivered+stats.Failed)
	}

	fields := logger.Fields{"sink": sink}
	EmitMetric(log, "sink", "deliveries_total", stats.Delivered, "counter", fields)
	EmitMetric(log, "sink", "delivery_errors_total", stats.Failed, "counter", fields)
	EmitMetric(log, "sink", "delivery_error_rate", errorRate, "gauge", fields)

	entry := l.WithFields(logger.Fields{
		"delivered":    stats.Delivered,
		"failed":       stats.Failed,
		"retried":      stats.Retried,
		"dead_letters": stats.DeadLetters,
		"bytes_sent":   stats.BytesSent,
		"error_rate":   errorRate,
	})

	if stats.Failed > 0 {
		entry.Warn("sink metrics")
		return
	}
	entry.Info("sink metrics")
}

package metrics

import "pricerelay/logger"

// DropMetric identifies the metric name emitted when channel messages are dropped.
type DropMetric string

const (
	// DropMetricUpstreamRaw records raw upstream frames dropped before normalisation.
	DropMetricUpstreamRaw DropMetric = "upstream_messages_dropped"
	// DropMetricStream records normalised records dropped on the way to the
	// streaming forwarder.
	DropMetricStream DropMetric = "stream_records_dropped"
	// DropMetricSinkQueue records streamed records dropped because one
	// sink's queue was full.
	DropMetricSinkQueue DropMetric = "sink_queue_records_dropped"
	// DropMetricBus records local bus messages dropped before forwarding.
	DropMetricBus DropMetric = "bus_messages_dropped"
)

// EmitDropMetric logs and emits a metric representing a dropped channel message. The
// metric value is always one so callers invoke it once per dropped message. The
// source and topic are attached when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, source, topic string) {
	fields := logger.Fields{}
	if source != "" {
		fields["source"] = source
	}
	if topic != "" {
		fields["topic"] = topic
	}

	IncDrop(string(metric))
	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}

// Registers:
//
//	#pricerelay_messages_received_total
//	#pricerelay_normalize_results_total
//	#pricerelay_cache_updates_total
//	#pricerelay_deliveries_total / pricerelay_delivery_seconds
//	#pricerelay_drops_total
//	#pricerelay_upstream_* connection gauges
//	#go_* and process_* system metrics
//
// The registry is served by the status server under /metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec
	normalizeResults *prometheus.CounterVec
	cacheUpdates     *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliverySeconds  *prometheus.HistogramVec
	drops            *prometheus.CounterVec
	reconnects       prometheus.Counter
	connectionState  prometheus.Gauge
	cacheEntries     prometheus.Gauge
)

func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		messagesReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricerelay_messages_received_total",
				Help: "Raw messages received per source",
			},
			[]string{"source"},
		)
		normalizeResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricerelay_normalize_results_total",
				Help: "Normalizer outcomes by result",
			},
			[]string{"result"},
		)
		cacheUpdates = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricerelay_cache_updates_total",
				Help: "Latest-state cache updates by result",
			},
			[]string{"result"},
		)
		deliveries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricerelay_deliveries_total",
				Help: "Sink deliveries by sink and outcome",
			},
			[]string{"sink", "outcome"},
		)
		deliverySeconds = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pricerelay_delivery_seconds",
				Help:    "Sink delivery latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sink"},
		)
		drops = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricerelay_drops_total",
				Help: "Messages dropped because a buffer was full",
			},
			[]string{"stage"},
		)
		reconnects = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricerelay_upstream_reconnects_total",
			Help: "Upstream reconnect attempts",
		})
		connectionState = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricerelay_upstream_state",
			Help: "Upstream connection state (0 disconnected, 1 connecting, 2 subscribed)",
		})
		cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricerelay_cache_entries",
			Help: "Topics currently held in the latest-state cache",
		})

		registry.MustRegister(
			messagesReceived,
			normalizeResults,
			cacheUpdates,
			deliveries,
			deliverySeconds,
			drops,
			reconnects,
			connectionState,
			cacheEntries,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler exposes the relay registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry returns the relay registry, initialising it on first use.
func Registry() *prometheus.Registry {
	Init()
	return registry
}

func IncMessagesReceived(source string) {
	if messagesReceived != nil {
		messagesReceived.WithLabelValues(source).Inc()
	}
}

func IncNormalizeResult(result string) {
	if normalizeResults != nil {
		normalizeResults.WithLabelValues(result).Inc()
	}
}

func IncCacheUpdate(result string) {
	if cacheUpdates != nil {
		cacheUpdates.WithLabelValues(result).Inc()
	}
}

// ObserveDelivery counts one sink delivery and records its latency.
func ObserveDelivery(sink, outcome string, elapsed time.Duration) {
	if deliveries == nil {
		return
	}
	deliveries.WithLabelValues(sink, outcome).Inc()
	deliverySeconds.WithLabelValues(sink).Observe(elapsed.Seconds())
}

func IncDrop(stage string) {
	if drops != nil {
		drops.WithLabelValues(stage).Inc()
	}
}

func IncReconnect() {
	if reconnects != nil {
		reconnects.Inc()
	}
}

func SetConnectionState(state int) {
	if connectionState != nil {
		connectionState.Set(float64(state))
	}
}

func SetCacheEntries(n int) {
	if cacheEntries != nil {
		cacheEntries.Set(float64(n))
	}
}

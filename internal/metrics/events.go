package metrics

import (
	"fmt"
	"sync"
	"time"

	"pricerelay/logger"
)

// Metric is one emitted metric event. Sink and Topic are lifted from the
// "sink" and "topic" fields so subscribers can select per-sink or per-topic
// series; Fields still carries them for CloudWatch dimensions.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Sink      string
	Topic     string
	Fields    logger.Fields
}

// Filter selects metrics. Zero-valued criteria match everything.
type Filter struct {
	Components []string
	Sink       string
	Topic      string
}

func (f Filter) Match(m Metric) bool {
	if f.Sink != "" && f.Sink != m.Sink {
		return false
	}
	if f.Topic != "" && f.Topic != m.Topic {
		return false
	}
	if len(f.Components) == 0 {
		return true
	}
	for _, c := range f.Components {
		if c == m.Component {
			return true
		}
	}
	return false
}

type MetricHandler func(Metric)

// MetricHandlerID identifies a registration; zero means none.
type MetricHandlerID uint64

type subscription struct {
	id     MetricHandlerID
	filter Filter
	fn     MetricHandler
}

var (
	subsMu sync.RWMutex
	// subs is kept in registration order so handlers run deterministically.
	subs      []subscription
	lastSubID MetricHandlerID
)

// RegisterMetricHandler subscribes handler to every metric accepted by
// filter. Handlers run synchronously on the emitting goroutine and must not
// block.
func RegisterMetricHandler(handler MetricHandler, filter Filter) MetricHandlerID {
	if handler == nil {
		return 0
	}
	subsMu.Lock()
	defer subsMu.Unlock()
	lastSubID++
	subs = append(subs, subscription{id: lastSubID, filter: filter, fn: handler})
	return lastSubID
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	subsMu.Lock()
	defer subsMu.Unlock()
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// newMetric builds the event; the caller's fields are copied, never kept.
func newMetric(component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	for k, v := range fields {
		m.Fields[k] = v
	}
	m.Sink = dimension(fields["sink"])
	m.Topic = dimension(fields["topic"])
	return m, true
}

func dimension(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// recordMetric logs the event at debug level and hands it to subscribers.
func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	m, ok := newMetric(component, name, value, metricType, fields)
	if !ok {
		return m, false
	}
	if log == nil {
		log = logger.GetLogger()
	}
	log.WithComponent(component).WithFields(m.Fields).WithFields(logger.Fields{
		"metric":      m.Name,
		"metric_type": m.Type,
		"value":       m.Value,
	}).Debug("metric")

	dispatchMetric(m)
	return m, true
}

func dispatchMetric(m Metric) {
	subsMu.RLock()
	matched := make([]MetricHandler, 0, len(subs))
	for _, s := range subs {
		if s.filter.Match(m) {
			matched = append(matched, s.fn)
		}
	}
	subsMu.RUnlock()

	for _, fn := range matched {
		fn(m)
	}
}

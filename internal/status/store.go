package status

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"pricerelay/internal/metrics"
)

// recent keeps the last limit items appended to it.
type recent[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newRecent[T any](limit int) *recent[T] {
	if limit <= 0 {
		limit = 200
	}
	return &recent[T]{limit: limit}
}

func (r *recent[T]) add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	if len(r.items) > r.limit {
		r.items = append([]T(nil), r.items[len(r.items)-r.limit:]...)
	}
}

func (r *recent[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// metricEvent is the JSON form of a metrics.Metric.
type metricEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	Name      string                 `json:"name"`
	Value     interface{}            `json:"value"`
	Type      string                 `json:"type"`
	Sink      string                 `json:"sink,omitempty"`
	Topic     string                 `json:"topic,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func newMetricEvent(m metrics.Metric) metricEvent {
	return metricEvent{
		Timestamp: m.Timestamp,
		Component: m.Component,
		Name:      m.Name,
		Value:     m.Value,
		Type:      m.Type,
		Sink:      m.Sink,
		Topic:     m.Topic,
		Fields:    m.Fields,
	}
}

type logLine struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// problemLog is a logrus hook retaining recent warnings and errors so that
// /api/logs can show why deliveries or reconnects failed.
type problemLog struct {
	lines   *recent[logLine]
	enabled atomic.Bool
}

func newProblemLog(limit int) *problemLog {
	p := &problemLog{lines: newRecent[logLine](limit)}
	p.enabled.Store(true)
	return p
}

func (p *problemLog) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (p *problemLog) Fire(entry *logrus.Entry) error {
	if !p.enabled.Load() {
		return nil
	}

	line := logLine{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		if k == "component" {
			line.Component, _ = v.(string)
			continue
		}
		if line.Fields == nil {
			line.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			line.Fields[k] = val.Error()
		case fmt.Stringer:
			line.Fields[k] = val.String()
		default:
			line.Fields[k] = val
		}
	}
	p.lines.add(line)
	return nil
}

func (p *problemLog) close() {
	p.enabled.Store(false)
}

// Package ingest drives normalization and cache updates for raw upstream
// frames. It is the only writer of the latest-state cache.
package ingest

import (
	"context"
	"sync/atomic"

	"pricerelay/config"
	"pricerelay/internal/cache"
	"pricerelay/internal/metrics"
	"pricerelay/internal/normalizer"
	"pricerelay/logger"
	"pricerelay/models"
)

// Options tune the loop.
type Options struct {
	// StreamBuffer enables the record stream when > 0.
	StreamBuffer int
	// ForwardDuplicates also streams records whose timestamp equals the
	// cached one.
	ForwardDuplicates bool
}

// Loop consumes raw frames, updates the cache and optionally republishes
// accepted records for the streaming forwarder.
type Loop struct {
	norm  *normalizer.Normalizer
	cache *cache.Cache
	opts  Options
	log   *logger.Log

	stream chan models.Record

	received      atomic.Int64
	stored        atomic.Int64
	duplicates    atomic.Int64
	stale         atomic.Int64
	notApplicable atomic.Int64
	dropped       atomic.Int64
}

func New(norm *normalizer.Normalizer, c *cache.Cache, opts Options) *Loop {
	l := &Loop{
		norm:  norm,
		cache: c,
		opts:  opts,
		log:   logger.GetLogger(),
	}
	if opts.StreamBuffer > 0 {
		l.stream = make(chan models.Record, opts.StreamBuffer)
	}
	return l
}

// Stream yields accepted records; nil when streaming is disabled. It is
// closed when Run returns.
func (l *Loop) Stream() <-chan models.Record {
	return l.stream
}

// Run processes frames from in until it is closed or ctx is cancelled.
func (l *Loop) Run(ctx context.Context, in <-chan models.RawMessage) {
	if l.stream != nil {
		defer close(l.stream)
	}
	log := l.log.WithComponent("ingest")
	log.Info("starting ingestion loop")
	defer log.Info("ingestion loop stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			l.Handle(msg)
		}
	}
}

// Handle processes one frame and reports the cache outcome. ok is false when
// the frame produced no record.
func (l *Loop) Handle(msg models.RawMessage) (cache.UpdateResult, bool) {
	l.received.Add(1)

	rec, res := l.norm.Normalize(msg.Data)
	metrics.IncNormalizeResult(res.Label())
	if !res.OK() {
		l.notApplicable.Add(1)
		return 0, false
	}

	result := l.cache.Update(rec)
	metrics.IncCacheUpdate(result.String())
	metrics.SetCacheEntries(l.cache.Len())

	switch result {
	case cache.Stored:
		l.stored.Add(1)
	case cache.Duplicate:
		l.duplicates.Add(1)
	case cache.Stale:
		l.stale.Add(1)
		l.log.WithComponent("ingest").WithFields(logger.Fields{
			"topic":       rec.TopicID.String(),
			"observed_at": rec.ObservedAt,
		}).Debug("discarding out-of-order record")
		return result, true
	}

	if l.stream != nil && (result == cache.Stored || l.opts.ForwardDuplicates) {
		l.publish(rec)
	}
	return result, true
}

func (l *Loop) publish(rec models.Record) {
	select {
	case l.stream <- rec:
	default:
		l.dropped.Add(1)
		l.log.WithComponent("ingest").WithFields(logger.Fields{
			"topic":    rec.TopicID.String(),
			"capacity": cap(l.stream),
		}).Warn("record stream full, dropping record")
		metrics.EmitDropMetric(l.log, metrics.DropMetricStream, config.SourceMarket, rec.TopicID.String())
	}
}

func (l *Loop) Stats() metrics.IngestStats {
	stats := metrics.IngestStats{
		MessagesReceived: l.received.Load(),
		RecordsStored:    l.stored.Load(),
		Duplicates:       l.duplicates.Load(),
		Stale:            l.stale.Load(),
		NotApplicable:    l.notApplicable.Load(),
		Dropped:          l.dropped.Load(),
	}
	if l.stream != nil {
		stats.StreamLen = len(l.stream)
		stats.StreamCap = cap(l.stream)
	}
	return stats
}

// ReportFields renders the counters for the periodic runtime report.
func (l *Loop) ReportFields() logger.Fields {
	s := l.Stats()
	return logger.Fields{
		"received":       s.MessagesReceived,
		"stored":         s.RecordsStored,
		"duplicates":     s.Duplicates,
		"stale":          s.Stale,
		"not_applicable": s.NotApplicable,
		"dropped":        s.Dropped,
		"cache_entries":  l.cache.Len(),
	}
}

// Package forwarder pushes cached records to the configured sinks, either on
// a fixed period (polling) or as soon as ingestion accepts them (streaming).
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pricerelay/config"
	"pricerelay/internal/metrics"
	"pricerelay/internal/sink"
	"pricerelay/logger"
	"pricerelay/models"
)

// ErrNoSinks is returned when the forwarder has nothing to deliver to.
var ErrNoSinks = errors.New("forwarder has no sinks")

// Snapshotter is the read side of the latest-state cache.
type Snapshotter interface {
	SnapshotAll() map[models.TopicID]models.Record
}

// Stats counts forwarder activity since start.
type Stats struct {
	Ticks      int64
	EmptyTicks int64
	Deliveries int64
	Failures   int64
	Skipped    int64
	// Dropped counts streamed records discarded because a sink queue was full.
	Dropped    int64
}

// Forwarder reads the cache (or the record stream) and never writes to it.
type Forwarder struct {
	cfg    config.ForwarderConfig
	source Snapshotter
	stream <-chan models.Record
	sinks  []*sink.Sink
	log    *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// sentMu guards lastSent, the ObservedAt of the last successful
	// delivery per sink and topic.
	sentMu   sync.Mutex
	lastSent map[string]map[models.TopicID]time.Time

	ticks      atomic.Int64
	emptyTicks atomic.Int64
	deliveries atomic.Int64
	failures   atomic.Int64
	skipped    atomic.Int64
	dropped    atomic.Int64
}

// New validates the mode against its inputs. stream is only read in
// streaming mode; source is only read in polling mode.
func New(cfg config.ForwarderConfig, source Snapshotter, stream <-chan models.Record, sinks []*sink.Sink) (*Forwarder, error) {
	if len(sinks) == 0 {
		return nil, ErrNoSinks
	}
	for _, s := range sinks {
		if s.Mapper == nil {
			return nil, fmt.Errorf("sink %s has no record mapper", s.Name)
		}
	}
	switch cfg.Mode {
	case config.ModePolling, "":
		cfg.Mode = config.ModePolling
		if source == nil {
			return nil, fmt.Errorf("polling mode requires a cache")
		}
		if cfg.Period <= 0 {
			cfg.Period = 15 * time.Second
		}
	case config.ModeStreaming:
		if stream == nil {
			return nil, fmt.Errorf("streaming mode requires a record stream")
		}
	default:
		return nil, fmt.Errorf("unknown forwarder mode %q", cfg.Mode)
	}

	return &Forwarder{
		cfg:      cfg,
		source:   source,
		stream:   stream,
		sinks:    sinks,
		log:      logger.GetLogger(),
		lastSent: make(map[string]map[models.TopicID]time.Time, len(sinks)),
	}, nil
}

// Start launches the worker for the configured mode.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return fmt.Errorf("forwarder already running")
	}
	f.running = true
	f.ctx, f.cancel = context.WithCancel(ctx)

	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name)
	}
	f.log.WithComponent("forwarder").WithFields(logger.Fields{
		"mode":           f.cfg.Mode,
		"period":         f.cfg.Period.String(),
		"batch":          f.cfg.Batch,
		"skip_unchanged": f.cfg.SkipUnchanged,
		"sinks":          names,
	}).Info("starting forwarder")

	f.wg.Add(1)
	if f.cfg.Mode == config.ModeStreaming {
		go f.streamWorker()
	} else {
		go f.pollWorker()
	}
	return nil
}

// Stop cancels the worker and waits for the delivery in flight to finish.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.wg.Wait()
	f.log.WithComponent("forwarder").Info("forwarder stopped")
}

func (f *Forwarder) pollWorker() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.tick(f.ctx)
		}
	}
}

// streamWorker fans each record out to one queue per sink, so a slow sink
// only backs up its own queue.
func (f *Forwarder) streamWorker() {
	defer f.wg.Done()

	queues := make([]chan models.Record, len(f.sinks))
	var workers sync.WaitGroup
	for i, s := range f.sinks {
		queues[i] = make(chan models.Record, f.queueSize())
		workers.Add(1)
		go func(s *sink.Sink, q <-chan models.Record) {
			defer workers.Done()
			f.sinkWorker(s, q)
		}(s, queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		workers.Wait()
	}()

	for {
		select {
		case <-f.ctx.Done():
			return
		case rec, ok := <-f.stream:
			if !ok {
				return
			}
			for i, q := range queues {
				f.enqueue(f.sinks[i], q, rec)
			}
		}
	}
}

func (f *Forwarder) queueSize() int {
	if f.cfg.StreamBuffer > 0 {
		return f.cfg.StreamBuffer
	}
	return 256
}

func (f *Forwarder) enqueue(s *sink.Sink, q chan<- models.Record, rec models.Record) {
	select {
	case q <- rec:
	default:
		f.dropped.Add(1)
		f.log.WithComponent("forwarder").WithFields(logger.Fields{
			"sink":     s.Name,
			"topic":    rec.TopicID.String(),
			"capacity": cap(q),
		}).Warn("sink queue full, dropping record")
		metrics.EmitDropMetric(f.log, metrics.DropMetricSinkQueue, config.SourceMarket, rec.TopicID.String())
	}
}

// sinkWorker delivers queued records to one sink in arrival order. Records
// still queued at shutdown are discarded; the one in flight finishes.
func (f *Forwarder) sinkWorker(s *sink.Sink, q <-chan models.Record) {
	deliverCtx := context.WithoutCancel(f.ctx)
	for rec := range q {
		if f.ctx.Err() != nil {
			return
		}
		f.send(deliverCtx, s, []models.Record{rec})
	}
}

// tick delivers one snapshot of the cache and returns the number of
// deliveries attempted.
func (f *Forwarder) tick(ctx context.Context) int {
	f.ticks.Add(1)
	snap := f.source.SnapshotAll()
	if len(snap) == 0 {
		f.emptyTicks.Add(1)
		f.log.WithComponent("forwarder").Info("no data available yet")
		return 0
	}

	recs := make([]models.Record, 0, len(snap))
	for _, rec := range snap {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].TopicID < recs[j].TopicID })

	entry := f.log.WithComponent("forwarder")
	logger.LogDataFlowEntry(entry, "cache", "sinks", len(recs), "record")

	start := time.Now()
	n := f.deliverAll(ctx, recs, f.cfg.Batch)
	logger.LogPerformanceEntry(entry, "forwarder", "tick", time.Since(start), logger.Fields{
		"records":    len(recs),
		"deliveries": n,
	})
	return n
}

// deliverAll sends recs to every sink concurrently. Within one sink the
// records go out in the given order.
func (f *Forwarder) deliverAll(ctx context.Context, recs []models.Record, batch bool) int {
	// Shutdown must not abort a POST that already started.
	deliverCtx := context.WithoutCancel(ctx)

	var attempted atomic.Int64
	var wg sync.WaitGroup
	for _, s := range f.sinks {
		wg.Add(1)
		go func(s *sink.Sink) {
			defer wg.Done()
			pending := f.pending(s.Name, recs)
			if len(pending) == 0 {
				return
			}
			if batch {
				attempted.Add(1)
				f.send(deliverCtx, s, pending)
				return
			}
			for _, rec := range pending {
				if ctx.Err() != nil {
					return
				}
				attempted.Add(1)
				f.send(deliverCtx, s, []models.Record{rec})
			}
		}(s)
	}
	wg.Wait()
	return int(attempted.Load())
}

// pending drops records the sink already received when skip_unchanged is on.
func (f *Forwarder) pending(sinkName string, recs []models.Record) []models.Record {
	if !f.cfg.SkipUnchanged || f.cfg.Mode == config.ModeStreaming {
		return recs
	}
	f.sentMu.Lock()
	defer f.sentMu.Unlock()

	sent := f.lastSent[sinkName]
	out := recs[:0:0]
	for _, rec := range recs {
		if last, ok := sent[rec.TopicID]; ok && last.Equal(rec.ObservedAt) {
			f.skipped.Add(1)
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (f *Forwarder) markSent(sinkName string, recs []models.Record) {
	f.sentMu.Lock()
	defer f.sentMu.Unlock()
	sent, ok := f.lastSent[sinkName]
	if !ok {
		sent = make(map[models.TopicID]time.Time)
		f.lastSent[sinkName] = sent
	}
	for _, rec := range recs {
		sent[rec.TopicID] = rec.ObservedAt
	}
}

func (f *Forwarder) send(ctx context.Context, s *sink.Sink, recs []models.Record) sink.Outcome {
	log := f.log.WithComponent("forwarder").WithField("sink", s.Name)

	var (
		body []byte
		err  error
	)
	if len(recs) == 1 && !f.cfg.Batch {
		body, err = sink.EncodeRecord(s.Mapper, recs[0])
	} else {
		body, err = sink.EncodeBatch(s.Mapper, recs)
	}
	if err != nil {
		f.failures.Add(1)
		log.WithError(err).Error("failed to encode payload")
		return sink.Outcome{Sink: s.Name, Err: err}
	}

	topics := make([]models.TopicID, 0, len(recs))
	for _, rec := range recs {
		topics = append(topics, rec.TopicID)
	}
	out := s.Deliverer.Deliver(ctx, sink.Payload{
		ID:        uuid.NewString(),
		Body:      body,
		Topics:    topics,
		CreatedAt: time.Now().UTC(),
	})
	f.deliveries.Add(1)

	entry := log.WithFields(logger.Fields{
		"delivery_id": out.DeliveryID,
		"records":     len(recs),
		"status_code": out.StatusCode,
		"attempts":    out.Attempts,
		"duration":    out.Duration.String(),
	})
	if !out.Success() {
		f.failures.Add(1)
		entry.WithError(out.Err).Warn("sink delivery failed")
		return out
	}
	f.markSent(s.Name, recs)
	entry.Debug("sink delivery succeeded")
	return out
}

func (f *Forwarder) Stats() Stats {
	return Stats{
		Ticks:      f.ticks.Load(),
		EmptyTicks: f.emptyTicks.Load(),
		Deliveries: f.deliveries.Load(),
		Failures:   f.failures.Load(),
		Skipped:    f.skipped.Load(),
		Dropped:    f.dropped.Load(),
	}
}

// ReportFields renders forwarder and per-sink counters for the runtime report.
func (f *Forwarder) ReportFields() logger.Fields {
	s := f.Stats()
	fields := logger.Fields{
		"mode":        f.cfg.Mode,
		"ticks":       s.Ticks,
		"empty_ticks": s.EmptyTicks,
		"deliveries":  s.Deliveries,
		"failures":    s.Failures,
		"skipped":     s.Skipped,
		"dropped":     s.Dropped,
	}
	for _, sk := range f.sinks {
		if sk.Recorder == nil {
			continue
		}
		st := sk.Recorder.Stats()
		fields["sink_"+sk.Name] = logger.Fields{
			"delivered":    st.Delivered,
			"failed":       st.Failed,
			"retried":      st.Retried,
			"dead_letters": st.DeadLetters,
			"bytes_sent":   st.BytesSent,
		}
	}
	return fields
}

package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"pricerelay/config"
	"pricerelay/internal/metrics"
	"pricerelay/internal/sink"
	"pricerelay/logger"
	"pricerelay/models"
)

// Subscriber is the part of *nats.Conn the relay needs.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type Stats struct {
	Received  int64
	Forwarded int64
	Rejected  int64
	Failed    int64
	Dropped   int64
}

// Relay forwards every JSON object received on the subject to its sink.
// The NATS callback only enqueues; decoding and delivery run on a worker so
// a slow sink never stalls the client's dispatch goroutine.
type Relay struct {
	cfg  config.BusConfig
	sink sink.Deliverer
	log  *logger.Log
	msgs chan models.BusMessage

	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	received  atomic.Int64
	forwarded atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func NewRelay(cfg config.BusConfig, d sink.Deliverer) *Relay {
	size := cfg.Buffer
	if size <= 0 {
		size = 256
	}
	return &Relay{
		cfg:  cfg,
		sink: d,
		log:  logger.GetLogger(),
		msgs: make(chan models.BusMessage, size),
	}
}

// Start subscribes to the configured subject and launches the worker.
func (r *Relay) Start(ctx context.Context, conn Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("bus relay already running")
	}

	sub, err := conn.Subscribe(r.cfg.Subject, func(m *nats.Msg) {
		r.Enqueue(models.BusMessage{Subject: m.Subject, Data: m.Data, ReceivedAt: time.Now().UTC()})
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.cfg.Subject, err)
	}
	r.sub = sub
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.log.WithComponent("bus_relay").WithFields(logger.Fields{
		"subject":  r.cfg.Subject,
		"encoding": r.cfg.PayloadEncoding,
		"buffer":   cap(r.msgs),
	}).Info("subscribed to bus subject")

	r.wg.Add(1)
	go r.worker()
	return nil
}

// Stop unsubscribes and waits for the message being delivered.
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	sub, cancel := r.sub, r.cancel
	r.sub, r.cancel = nil, nil
	r.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			r.log.WithComponent("bus_relay").WithError(err).Warn("failed to unsubscribe")
		}
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.log.WithComponent("bus_relay").Info("bus relay stopped")
}

// Enqueue hands a message to the worker, dropping it when the buffer is full.
func (r *Relay) Enqueue(msg models.BusMessage) bool {
	r.received.Add(1)
	metrics.IncMessagesReceived(config.SourceBus)
	select {
	case r.msgs <- msg:
		return true
	default:
		r.dropped.Add(1)
		r.log.WithComponent("bus_relay").WithFields(logger.Fields{
			"subject":  msg.Subject,
			"capacity": cap(r.msgs),
		}).Warn("bus buffer full, dropping message")
		metrics.EmitDropMetric(r.log, metrics.DropMetricBus, config.SourceBus, msg.Subject)
		return false
	}
}

func (r *Relay) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.msgs:
			r.Handle(context.WithoutCancel(r.ctx), msg)
		}
	}
}

// Handle decodes one message and delivers it. Rejected payloads are logged
// and never sent.
func (r *Relay) Handle(ctx context.Context, msg models.BusMessage) sink.Outcome {
	log := r.log.WithComponent("bus_relay").WithField("subject", msg.Subject)

	body, err := Decode(msg.Data, r.cfg.PayloadEncoding)
	if err != nil {
		r.rejected.Add(1)
		log.WithError(err).WithField("payload", preview(msg.Data)).Warn("dropping bus payload")
		return sink.Outcome{Err: err}
	}

	out := r.sink.Deliver(ctx, sink.Payload{
		ID:        uuid.NewString(),
		Body:      body,
		CreatedAt: msg.ReceivedAt,
	})
	if !out.Success() {
		r.failed.Add(1)
		log.WithError(out.Err).WithField("delivery_id", out.DeliveryID).Warn("bus relay delivery failed")
		return out
	}
	r.forwarded.Add(1)
	log.WithField("delivery_id", out.DeliveryID).Debug("bus payload forwarded")
	return out
}

func preview(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}

func (r *Relay) BufferLen() int { return len(r.msgs) }
func (r *Relay) BufferCap() int { return cap(r.msgs) }

func (r *Relay) Stats() Stats {
	return Stats{
		Received:  r.received.Load(),
		Forwarded: r.forwarded.Load(),
		Rejected:  r.rejected.Load(),
		Failed:    r.failed.Load(),
		Dropped:   r.dropped.Load(),
	}
}

func (r *Relay) ReportFields() logger.Fields {
	s := r.Stats()
	return logger.Fields{
		"received":  s.Received,
		"forwarded": s.Forwarded,
		"rejected":  s.Rejected,
		"failed":    s.Failed,
		"dropped":   s.Dropped,
		"buffered":  r.BufferLen(),
	}
}

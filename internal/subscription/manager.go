// Package subscription owns the upstream push connection: it dials, sends the
// tier subscriptions, reads frames and reconnects with backoff.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pricerelay/config"
	"pricerelay/internal/metrics"
	"pricerelay/logger"
	"pricerelay/models"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrAlreadyRunning = errors.New("subscription manager already running")
)

// Request is one subscription frame sent after every (re)connect.
type Request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// Stats is a point-in-time view of the manager counters.
type Stats struct {
	State          State
	Connects       int64
	Reconnects     int64
	Received       int64
	Dropped        int64
	LastDisconnect Disconnect
}

// Manager keeps exactly one upstream connection alive and publishes its raw
// frames on a bounded channel. Only the Run goroutine changes state.
type Manager struct {
	cfg     config.UpstreamConfig
	topics  models.TopicSet
	dialer  Dialer
	backoff *Backoff
	log     *logger.Log

	out     chan models.RawMessage
	running atomic.Bool
	state   atomic.Int32

	listenersMu sync.RWMutex
	listeners   []StateListener

	connMu sync.Mutex
	conn   Conn

	connects   atomic.Int64
	reconnects atomic.Int64
	received   atomic.Int64
	dropped    atomic.Int64

	lastMu         sync.RWMutex
	lastDisconnect Disconnect
}

// NewManager builds a manager for the given upstream. A nil dialer selects
// the gorilla/websocket dialer.
func NewManager(cfg config.UpstreamConfig, topics models.TopicSet, dialer Dialer) *Manager {
	if dialer == nil {
		dialer = WebsocketDialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	size := cfg.MessageBuffer
	if size <= 0 {
		size = 1024
	}
	if cfg.SubscribeMethod == "" {
		cfg.SubscribeMethod = "RSUBSCRIPTION"
	}
	return &Manager{
		cfg:     cfg,
		topics:  topics,
		dialer:  dialer,
		backoff: NewBackoff(cfg.Backoff),
		log:     logger.GetLogger(),
		out:     make(chan models.RawMessage, size),
	}
}

// Messages is closed when Run returns.
func (m *Manager) Messages() <-chan models.RawMessage {
	return m.out
}

// BufferLen and BufferCap expose the raw channel occupancy.
func (m *Manager) BufferLen() int { return len(m.out) }
func (m *Manager) BufferCap() int { return cap(m.out) }

func (m *Manager) State() State {
	return State(m.state.Load())
}

// OnStateChange registers a listener called on every transition.
func (m *Manager) OnStateChange(fn StateListener) {
	if fn == nil {
		return
	}
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

func (m *Manager) Stats() Stats {
	m.lastMu.RLock()
	last := m.lastDisconnect
	m.lastMu.RUnlock()
	return Stats{
		State:          m.State(),
		Connects:       m.connects.Load(),
		Reconnects:     m.reconnects.Load(),
		Received:       m.received.Load(),
		Dropped:        m.dropped.Load(),
		LastDisconnect: last,
	}
}

// Requests returns the frames sent on every connect: one per tier, each
// carrying the full sorted topic list.
func (m *Manager) Requests() []Request {
	ids := m.topics.Join()
	reqs := make([]Request, 0, len(m.cfg.Tiers))
	for _, tier := range m.cfg.Tiers {
		reqs = append(reqs, Request{
			Method: m.cfg.SubscribeMethod,
			Params: []string{tier, ids},
		})
	}
	return reqs
}

// Run connects, subscribes and reads until ctx is cancelled, reconnecting
// after every failure. It closes the Messages channel before returning.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(m.out)
	defer m.setState(Disconnected)

	log := m.log.WithComponent("subscription").WithFields(logger.Fields{"url": m.cfg.URL})
	log.WithFields(logger.Fields{
		"topics": m.topics.Join(),
		"tiers":  len(m.cfg.Tiers),
	}).Info("starting subscription manager")

	for {
		if ctx.Err() != nil {
			log.Info("subscription manager stopped")
			return nil
		}

		if m.connects.Load() > 0 {
			m.reconnects.Add(1)
			metrics.IncReconnect()
			metrics.EmitMetric(m.log, "subscription", "upstream_reconnects", 1, "counter", nil)
		}

		m.setState(Connecting)
		log.WithField("attempt", m.backoff.Failures()+1).Info("connecting to upstream")

		conn, err := m.connect(ctx)
		if err != nil {
			m.setState(Disconnected)
			if ctx.Err() != nil {
				continue
			}
			m.recordDisconnect(err)
			delay := m.backoff.Next()
			log.WithError(err).WithField("retry_in", delay.String()).Warn("failed to connect to upstream")
			waitForReconnect(ctx, delay)
			continue
		}

		m.connects.Add(1)
		m.setState(Subscribed)
		subscribedAt := time.Now()

		err = m.readMessages(ctx, conn)
		m.closeConn()
		m.setState(Disconnected)

		if ctx.Err() != nil {
			continue
		}

		m.onDisconnect(log, err)
		m.backoff.Observe(time.Since(subscribedAt))
		delay := m.backoff.Next()
		if delay > 0 {
			log.WithField("retry_in", delay.String()).Info("waiting before reconnect")
		}
		waitForReconnect(ctx, delay)
	}
}

// Close drops the active connection. Run reconnects unless its context is
// done.
func (m *Manager) Close() error {
	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Close()
}

func (m *Manager) connect(ctx context.Context) (Conn, error) {
	header := http.Header{}
	for k, v := range m.cfg.Headers {
		header.Set(k, v)
	}

	conn, err := m.dialer.Dial(ctx, m.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}

	log := m.log.WithComponent("subscription")
	for _, req := range m.Requests() {
		if m.cfg.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
		}
		if err := conn.WriteJSON(req); err != nil {
			conn.Close()
			return nil, fmt.Errorf("send subscription %s: %w", req.Params[0], err)
		}
		log.WithFields(logger.Fields{"method": req.Method, "channel": req.Params[0], "topics": req.Params[1]}).Info("sent subscription")
	}
	_ = conn.SetWriteDeadline(time.Time{})

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	return conn, nil
}

func (m *Manager) closeConn() {
	m.connMu.Lock()
	conn := m.conn
	m.conn = nil
	m.connMu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// readMessages blocks until the connection fails or ctx is cancelled. Frames
// are forwarded without blocking; a full buffer drops the frame.
func (m *Manager) readMessages(ctx context.Context, conn Conn) error {
	pongTimeout := m.cfg.PongTimeout
	if pongTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-readCtx.Done()
		if ctx.Err() != nil {
			conn.Close()
		}
	}()

	pingCancel := startPingLoop(readCtx, conn, m.cfg.PingInterval, m.cfg.WriteTimeout, m.log.WithComponent("subscription"))
	defer pingCancel()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if pongTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		}
		m.received.Add(1)
		metrics.IncMessagesReceived(config.SourceMarket)

		msg := models.RawMessage{Data: data, ReceivedAt: time.Now()}
		select {
		case m.out <- msg:
		default:
			m.dropped.Add(1)
			m.log.WithComponent("subscription").WithFields(logger.Fields{
				"capacity": cap(m.out),
			}).Warn("message buffer full, dropping message")
			metrics.EmitDropMetric(m.log, metrics.DropMetricUpstreamRaw, config.SourceMarket, "")
		}
	}
}

func (m *Manager) onDisconnect(log *logger.Entry, reason error) {
	d := m.recordDisconnect(reason)
	fields := logger.Fields{"reason": d.Reason}
	if d.Code != 0 {
		fields["close_code"] = d.Code
		fields["close_text"] = d.Text
	}
	log.WithFields(fields).Warn("upstream connection lost")
}

func (m *Manager) recordDisconnect(reason error) Disconnect {
	d := Disconnect{At: time.Now()}
	if reason != nil {
		d.Reason = reason.Error()
	}
	var closeErr *websocket.CloseError
	if errors.As(reason, &closeErr) {
		d.Code = closeErr.Code
		d.Text = closeErr.Text
	}
	m.lastMu.Lock()
	m.lastDisconnect = d
	m.lastMu.Unlock()
	return d
}

func (m *Manager) setState(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	metrics.SetConnectionState(int(to))
	m.log.WithComponent("subscription").WithFields(logger.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Info("connection state changed")

	m.listenersMu.RLock()
	listeners := append([]StateListener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(from, to)
	}
}

// waitForReconnect sleeps for delay and reports whether ctx ended first.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() != nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func startPingLoop(ctx context.Context, conn Conn, interval, writeTimeout time.Duration, log *logger.Entry) context.CancelFunc {
	pingCtx, cancel := context.WithCancel(ctx)
	if interval <= 0 {
		return cancel
	}
	if writeTimeout <= 0 {
		writeTimeout = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					conn.Close()
					return
				}
			}
		}
	}()
	return cancel
}

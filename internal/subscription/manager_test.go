package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricerelay/config"
	"pricerelay/models"
)

// mockWSServer creates a test WebSocket server. handler receives the upgrade
// request and the 1-based connection number.
func mockWSServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request, n int)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	var count atomic.Int32

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r, int(count.Add(1)))
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testUpstream(url string) config.UpstreamConfig {
	return config.UpstreamConfig{
		URL:             url,
		Headers:         map[string]string{"User-Agent": "pricerelay-test"},
		Tiers:           config.DefaultTiers,
		SubscribeMethod: "RSUBSCRIPTION",
		WriteTimeout:    time.Second,
		MessageBuffer:   16,
		Backoff: config.BackoffConfig{
			Min:         10 * time.Millisecond,
			Max:         50 * time.Millisecond,
			Multiplier:  2,
			StableAfter: time.Hour,
		},
	}
}

func readRequests(t *testing.T, conn *websocket.Conn, n int) []Request {
	reqs := make([]Request, 0, n)
	for i := 0; i < n; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Logf("read subscription: %v", err)
			return reqs
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			t.Logf("decode subscription: %v", err)
			return reqs
		}
		reqs = append(reqs, req)
	}
	return reqs
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestManagerResubscribesAfterDisconnect(t *testing.T) {
	var mu sync.Mutex
	perConn := map[int][]Request{}
	var userAgent atomic.Value

	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request, n int) {
		userAgent.Store(r.Header.Get("User-Agent"))
		reqs := readRequests(t, conn, 2)
		mu.Lock()
		perConn[n] = reqs
		mu.Unlock()

		if n == 1 {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "maintenance"),
				time.Now().Add(time.Second))
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"d":{"id":1,"p":1},"t":1700000000}`))
		drain(conn)
	})
	defer server.Close()

	m := NewManager(testUpstream(wsURL(server)), models.NewTopicSet(1027, 1, 1027), nil)

	var transitions []string
	var tmu sync.Mutex
	m.OnStateChange(func(from, to State) {
		tmu.Lock()
		transitions = append(transitions, to.String())
		tmu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case msg := <-m.Messages():
		assert.Contains(t, string(msg.Data), `"id":1`)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received after reconnect")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	want := []Request{
		{Method: "RSUBSCRIPTION", Params: []string{"main-site@crypto_price_15s@{}@normal", "1,1027"}},
		{Method: "RSUBSCRIPTION", Params: []string{"main-site@crypto_price_5s@{}@normal", "1,1027"}},
	}
	mu.Lock()
	assert.Equal(t, want, perConn[1])
	assert.Equal(t, want, perConn[2])
	mu.Unlock()

	assert.Equal(t, "pricerelay-test", userAgent.Load())

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.Connects)
	assert.Equal(t, int64(1), stats.Reconnects)
	assert.Equal(t, websocket.CloseGoingAway, stats.LastDisconnect.Code)
	assert.Equal(t, "maintenance", stats.LastDisconnect.Text)
	assert.Equal(t, Disconnected, m.State())

	tmu.Lock()
	require.GreaterOrEqual(t, len(transitions), 5)
	assert.Equal(t, []string{"connecting", "subscribed", "disconnected", "connecting", "subscribed"}, transitions[:5])
	tmu.Unlock()

	_, open := <-m.Messages()
	assert.False(t, open, "messages channel must be closed after Run returns")
}

func TestManagerDropsWhenBufferFull(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request, n int) {
		readRequests(t, conn, 2)
		for i := 0; i < 5; i++ {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"d":{"id":1},"t":1700000000}`))
		}
		drain(conn)
	})
	defer server.Close()

	cfg := testUpstream(wsURL(server))
	cfg.MessageBuffer = 1
	m := NewManager(cfg, models.NewTopicSet(1), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		s := m.Stats()
		return s.Received == 5 && s.Dropped == 4
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, m.BufferLen())
}

type failingDialer struct {
	mu    sync.Mutex
	calls []time.Time
}

func (d *failingDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.calls = append(d.calls, time.Now())
	d.mu.Unlock()
	return nil, errors.New("connection refused")
}

func (d *failingDialer) times() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.calls...)
}

func TestManagerBacksOffOnRepeatedFailures(t *testing.T) {
	dialer := &failingDialer{}
	cfg := testUpstream("ws://127.0.0.1:1")
	cfg.Backoff = config.BackoffConfig{Min: 20 * time.Millisecond, Max: 40 * time.Millisecond, Multiplier: 2, StableAfter: time.Hour}
	m := NewManager(cfg, models.NewTopicSet(1), dialer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(dialer.times()) >= 4 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	calls := dialer.times()
	assert.GreaterOrEqual(t, calls[2].Sub(calls[1]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, calls[3].Sub(calls[2]), 40*time.Millisecond)
	assert.NotEmpty(t, m.Stats().LastDisconnect.Reason)
	assert.Equal(t, int64(0), m.Stats().Connects)
}

func TestManagerRunTwice(t *testing.T) {
	m := NewManager(testUpstream("ws://127.0.0.1:1"), models.NewTopicSet(1), &failingDialer{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return m.running.Load() }, time.Second, time.Millisecond)

	assert.ErrorIs(t, m.Run(ctx), ErrAlreadyRunning)
	cancel()
	<-done
}

func TestCloseWithoutConnection(t *testing.T) {
	m := NewManager(testUpstream("ws://127.0.0.1:1"), models.NewTopicSet(1), &failingDialer{})
	assert.ErrorIs(t, m.Close(), ErrNotConnected)
}

func TestManagerKeepaliveDetectsSilentServer(t *testing.T) {
	release := make(chan struct{})
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request, n int) {
		readRequests(t, conn, 2)
		if n == 1 {
			// Stop reading: pings go unanswered.
			<-release
			return
		}
		drain(conn)
	})
	defer server.Close()
	defer close(release)

	cfg := testUpstream(wsURL(server))
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 150 * time.Millisecond
	m := NewManager(cfg, models.NewTopicSet(1), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return m.Stats().Connects >= 2
	}, 5*time.Second, 10*time.Millisecond)

	// The second server answers pings, so the connection must outlive
	// several pong timeouts.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int64(2), m.Stats().Connects)
	assert.Equal(t, Subscribed, m.State())

	cancel()
	require.NoError(t, <-done)
}

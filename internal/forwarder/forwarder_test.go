package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricerelay/config"
	"pricerelay/internal/cache"
	"pricerelay/internal/ingest"
	"pricerelay/internal/normalizer"
	"pricerelay/internal/sink"
	"pricerelay/models"
)

// recordingSink keeps every delivered body and answers with status.
type recordingSink struct {
	mu     sync.Mutex
	bodies [][]byte
	status int
	block  chan struct{}
}

func (r *recordingSink) Deliver(ctx context.Context, p sink.Payload) sink.Outcome {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.bodies = append(r.bodies, append([]byte(nil), p.Body...))
	r.mu.Unlock()

	out := sink.Outcome{DeliveryID: p.ID, StatusCode: r.status, Attempts: 1}
	if r.status < 200 || r.status >= 300 {
		out.Err = sink.ErrNon2xx
	}
	return out
}

func (r *recordingSink) Bodies() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.bodies...)
}

func newSink(t *testing.T, name, shape string, d sink.Deliverer) *sink.Sink {
	t.Helper()
	m, err := sink.NewMapper(shape, "", nil)
	require.NoError(t, err)
	return &sink.Sink{Name: name, Deliverer: d, Mapper: m, Recorder: sink.NewRecorder(name)}
}

func record(topic models.TopicID, sec int64, price float64) models.Record {
	return models.Record{
		TopicID:         topic,
		Fields:          map[string]*float64{models.FieldPrice: models.Float(price)},
		ObservedAt:      time.Unix(sec, 0).UTC(),
		SourceTimestamp: sec,
	}
}

func TestTickRepeatsUnchangedEntries(t *testing.T) {
	c := cache.New()
	c.Update(record(1, 1700000000, 100))

	rs := &recordingSink{status: http.StatusOK}
	f, err := New(config.ForwarderConfig{Mode: config.ModePolling, Period: time.Hour}, c, nil,
		[]*sink.Sink{newSink(t, "webhook", config.ShapeFlat, rs)})
	require.NoError(t, err)

	assert.Equal(t, 1, f.tick(context.Background()))
	assert.Equal(t, 1, f.tick(context.Background()))

	bodies := rs.Bodies()
	require.Len(t, bodies, 2)
	assert.JSONEq(t, string(bodies[0]), string(bodies[1]))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(bodies[0], &payload))
	assert.Equal(t, float64(1), payload["id"])
	assert.Equal(t, float64(100), payload["price"])
}

func TestTickEmptyCache(t *testing.T) {
	rs := &recordingSink{status: http.StatusOK}
	f, err := New(config.ForwarderConfig{Period: time.Hour}, cache.New(), nil,
		[]*sink.Sink{newSink(t, "webhook", config.ShapeFlat, rs)})
	require.NoError(t, err)

	assert.Equal(t, 0, f.tick(context.Background()))
	assert.Empty(t, rs.Bodies())
	assert.Equal(t, int64(1), f.Stats().EmptyTicks)
}

func TestTickPerEntryInTopicOrder(t *testing.T) {
	c := cache.New()
	for _, id := range []models.TopicID{1027, 1, 5426} {
		c.Update(record(id, 1700000000, 1))
	}

	rs := &recordingSink{status: http.StatusOK}
	f, err := New(config.ForwarderConfig{Period: time.Hour}, c, nil,
		[]*sink.Sink{newSink(t, "webhook", config.ShapeFlat, rs)})
	require.NoError(t, err)
	require.Equal(t, 3, f.tick(context.Background()))

	var ids []float64
	for _, body := range rs.Bodies() {
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &payload))
		ids = append(ids, payload["id"].(float64))
	}
	assert.Equal(t, []float64{1, 1027, 5426}, ids)
}

func TestTickBatch(t *testing.T) {
	c := cache.New()
	c.Update(record(1027, 1700000000, 2000))
	c.Update(record(1, 1700000000, 30000))

	rs := &recordingSink{status: http.StatusOK}
	f, err := New(config.ForwarderConfig{Period: time.Hour, Batch: true}, c, nil,
		[]*sink.Sink{newSink(t, "x5", config.ShapeProperties, rs)})
	require.NoError(t, err)
	require.Equal(t, 1, f.tick(context.Background()))

	bodies := rs.Bodies()
	require.Len(t, bodies, 1)
	var batch []map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(bodies[0], &batch))
	require.Len(t, batch, 2)
	assert.Equal(t, float64(1), batch[0]["properties"]["c_cmccryptoid"])
	assert.Equal(t, float64(1027), batch[1]["properties"]["c_cmccryptoid"])
}

func TestSkipUnchanged(t *testing.T) {
	c := cache.New()
	c.Update(record(1, 1700000000, 100))

	good := &recordingSink{status: http.StatusOK}
	bad := &recordingSink{status: http.StatusInternalServerError}
	f, err := New(config.ForwarderConfig{Period: time.Hour, SkipUnchanged: true}, c, nil, []*sink.Sink{
		newSink(t, "good", config.ShapeFlat, good),
		newSink(t, "bad", config.ShapeFlat, bad),
	})
	require.NoError(t, err)

	f.tick(context.Background())
	f.tick(context.Background())
	assert.Len(t, good.Bodies(), 1)
	// Failed deliveries are retried on the next tick.
	assert.Len(t, bad.Bodies(), 2)

	c.Update(record(1, 1700000015, 101))
	f.tick(context.Background())
	assert.Len(t, good.Bodies(), 2)

	stats := f.Stats()
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, int64(3), stats.Failures)
}

func TestSlowSinkDoesNotBlockOthers(t *testing.T) {
	c := cache.New()
	c.Update(record(1, 1700000000, 100))

	slow := &recordingSink{status: http.StatusOK, block: make(chan struct{})}
	fast := &recordingSink{status: http.StatusOK}
	f, err := New(config.ForwarderConfig{Period: time.Hour}, c, nil, []*sink.Sink{
		newSink(t, "slow", config.ShapeFlat, slow),
		newSink(t, "fast", config.ShapeFlat, fast),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		f.tick(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return len(fast.Bodies()) == 1 }, time.Second, 5*time.Millisecond)

	// The cache keeps accepting updates while a delivery is pending.
	assert.Equal(t, cache.Stored, c.Update(record(1, 1700000015, 101)))

	close(slow.block)
	<-done
	assert.Len(t, slow.Bodies(), 1)
}

func TestStreamingDeliversEachRecord(t *testing.T) {
	stream := make(chan models.Record, 4)
	rs := &recordingSink{status: http.StatusOK}
	f, err := New(config.ForwarderConfig{Mode: config.ModeStreaming}, nil, stream,
		[]*sink.Sink{newSink(t, "webhook", config.ShapeFlat, rs)})
	require.NoError(t, err)
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	stream <- record(1, 1700000000, 100)
	stream <- record(1, 1700000015, 101)

	require.Eventually(t, func() bool { return len(rs.Bodies()) == 2 }, time.Second, 5*time.Millisecond)
	var second map[string]interface{}
	require.NoError(t, json.Unmarshal(rs.Bodies()[1], &second))
	assert.Equal(t, float64(101), second["price"])
	assert.Error(t, f.Start(context.Background()))
}

func TestPollingWorkerTicks(t *testing.T) {
	c := cache.New()
	c.Update(record(1, 1700000000, 100))
	rs := &recordingSink{status: http.StatusOK}
	f, err := New(config.ForwarderConfig{Period: 10 * time.Millisecond}, c, nil,
		[]*sink.Sink{newSink(t, "webhook", config.ShapeFlat, rs)})
	require.NoError(t, err)

	require.NoError(t, f.Start(context.Background()))
	require.Eventually(t, func() bool { return len(rs.Bodies()) >= 2 }, time.Second, 5*time.Millisecond)
	f.Stop()

	n := len(rs.Bodies())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(rs.Bodies()), "no deliveries after Stop")
}

func TestNewValidation(t *testing.T) {
	rs := &recordingSink{status: http.StatusOK}
	s := newSink(t, "webhook", config.ShapeFlat, rs)

	_, err := New(config.ForwarderConfig{}, cache.New(), nil, nil)
	assert.ErrorIs(t, err, ErrNoSinks)

	_, err = New(config.ForwarderConfig{Mode: config.ModeStreaming}, cache.New(), nil, []*sink.Sink{s})
	assert.Error(t, err)

	_, err = New(config.ForwarderConfig{}, cache.New(), nil, []*sink.Sink{{Name: "raw", Deliverer: rs}})
	assert.Error(t, err)
}

func TestStreamingSlowSinkDoesNotHoldBackOthers(t *testing.T) {
	stream := make(chan models.Record, 8)
	slow := &recordingSink{status: http.StatusOK, block: make(chan struct{})}
	fast := &recordingSink{status: http.StatusOK}
	f, err := New(config.ForwarderConfig{Mode: config.ModeStreaming, StreamBuffer: 8}, nil, stream, []*sink.Sink{
		newSink(t, "slow", config.ShapeFlat, slow),
		newSink(t, "fast", config.ShapeFlat, fast),
	})
	require.NoError(t, err)
	require.NoError(t, f.Start(context.Background()))

	for i := int64(0); i < 3; i++ {
		stream <- record(1, 1700000000+i, float64(i))
	}

	require.Eventually(t, func() bool { return len(fast.Bodies()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, slow.Bodies())

	close(slow.block)
	require.Eventually(t, func() bool { return len(slow.Bodies()) == 3 }, time.Second, 5*time.Millisecond)
	f.Stop()
	assert.Zero(t, f.Stats().Dropped)
}

func TestStreamingDropsWhenSinkQueueFull(t *testing.T) {
	stream := make(chan models.Record, 8)
	slow := &recordingSink{status: http.StatusOK, block: make(chan struct{})}
	f, err := New(config.ForwarderConfig{Mode: config.ModeStreaming, StreamBuffer: 1}, nil, stream,
		[]*sink.Sink{newSink(t, "slow", config.ShapeFlat, slow)})
	require.NoError(t, err)
	require.NoError(t, f.Start(context.Background()))

	// One record in flight, one queued, the rest dropped.
	for i := int64(0); i < 5; i++ {
		stream <- record(1, 1700000000+i, float64(i))
	}
	require.Eventually(t, func() bool { return f.Stats().Dropped >= 1 }, time.Second, 5*time.Millisecond)

	close(slow.block)
	f.Stop()
	assert.LessOrEqual(t, len(slow.Bodies()), 4)
}

func TestFailingSinkDoesNotStallIngestion(t *testing.T) {
	for _, mode := range []string{config.ModePolling, config.ModeStreaming} {
		t.Run(mode, func(t *testing.T) {
			var hits atomic.Int64
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer server.Close()

			s, err := sink.Build(config.SinkConfig{
				Name:    "webhook",
				URL:     server.URL,
				Shape:   config.ShapeFlat,
				Timeout: time.Second,
			}, nil, "")
			require.NoError(t, err)

			c := cache.New()
			opts := ingest.Options{}
			if mode == config.ModeStreaming {
				opts.StreamBuffer = 64
			}
			loop := ingest.New(normalizer.New(models.NewTopicSet(1), nil), c, opts)

			f, err := New(config.ForwarderConfig{Mode: mode, Period: 5 * time.Millisecond, StreamBuffer: 64},
				c, loop.Stream(), []*sink.Sink{s})
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			in := make(chan models.RawMessage, 64)
			loopDone := make(chan struct{})
			go func() {
				loop.Run(ctx, in)
				close(loopDone)
			}()
			require.NoError(t, f.Start(ctx))

			const n = 20
			for i := 0; i < n; i++ {
				in <- models.RawMessage{
					Data:       []byte(fmt.Sprintf(`{"d":{"id":1,"p":%d},"t":%d}`, i, 1700000000+i)),
					ReceivedAt: time.Now(),
				}
			}

			require.Eventually(t, func() bool {
				return loop.Stats().MessagesReceived == n
			}, 5*time.Second, 5*time.Millisecond)
			assert.Equal(t, int64(n), loop.Stats().RecordsStored)

			rec, ok := c.Snapshot(1)
			require.True(t, ok)
			price, _ := rec.Field(models.FieldPrice)
			assert.Equal(t, float64(n-1), price)
			assert.Equal(t, time.Unix(1700000000+n-1, 0).UTC(), rec.ObservedAt)

			require.Eventually(t, func() bool {
				return hits.Load() > 0 && f.Stats().Failures > 0
			}, 5*time.Second, 5*time.Millisecond)

			cancel()
			f.Stop()
			<-loopDone
			assert.Equal(t, f.Stats().Failures, s.Recorder.Stats().Failed)
		})
	}
}

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricerelay/config"
	"pricerelay/internal/sink"
	"pricerelay/internal/telemetry"
	"pricerelay/models"
)

func TestDecodeStrict(t *testing.T) {
	out, err := Decode([]byte(` {"cpu_usage_percent": 12.5, "note": "it's fine"} `), config.EncodingStrict)
	require.NoError(t, err)
	assert.Equal(t, `{"cpu_usage_percent":12.5,"note":"it's fine"}`, string(out))

	for _, payload := range []string{
		`{'cpu': 1}`,
		`[1,2]`,
		`"text"`,
		`cpu=1`,
		``,
	} {
		_, err := Decode([]byte(payload), config.EncodingStrict)
		assert.ErrorIs(t, err, ErrNotObject, payload)
	}
}

func TestDecodeLegacySingleQuote(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"single quoted":          {`{'cpu_temperature': 48.3, 'host': 'pi'}`, `{"cpu_temperature":48.3,"host":"pi"}`},
		"already json":           {`{"host": "pi's"}`, `{"host":"pi's"}`},
		"mixed keeps apostrophe": {`{'host': "pi's", 'zone': 'a'}`, `{"host":"pi's","zone":"a"}`},
		"escaped quote":          {`{'msg': 'it\'s hot'}`, `{"msg":"it's hot"}`},
		"double quote inside":    {`{'msg': 'say "hi"'}`, `{"msg":"say \"hi\""}`},
		"nested":                 {`{'a': {'b': [1, 'c']}}`, `{"a":{"b":[1,"c"]}}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := Decode([]byte(tc.in), config.EncodingLegacySingleQuote)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(out))
		})
	}
}

func TestDecodeLegacyRejects(t *testing.T) {
	cases := map[string]struct {
		in  string
		err error
	}{
		"unterminated":     {`{'cpu: 1}`, ErrUnterminatedString},
		"not brace":        {`['a']`, ErrNotObject},
		"python literals":  {`{'temp': None}`, ErrNotObject},
		"garbage inside":   {`{'a' 1}`, ErrNotObject},
		"plain text":       {`hello`, ErrNotObject},
		"apostrophe value": {`{'a': 'b's'}`, ErrUnterminatedString},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tc.in), config.EncodingLegacySingleQuote)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

type fakeSubscriber struct {
	subject string
	cb      nats.MsgHandler
	err     error
}

func (f *fakeSubscriber) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.subject = subject
	f.cb = cb
	return nil, f.err
}

type captureSink struct {
	mu     sync.Mutex
	bodies []string
	fail   bool
}

func (c *captureSink) Deliver(ctx context.Context, p sink.Payload) sink.Outcome {
	c.mu.Lock()
	c.bodies = append(c.bodies, string(p.Body))
	c.mu.Unlock()
	if c.fail {
		return sink.Outcome{DeliveryID: p.ID, StatusCode: 500, Err: sink.ErrNon2xx}
	}
	return sink.Outcome{DeliveryID: p.ID, StatusCode: 200}
}

func (c *captureSink) Bodies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bodies...)
}

func busConfig(encoding string) config.BusConfig {
	return config.BusConfig{Subject: "raspberrypi.system_health", PayloadEncoding: encoding, Buffer: 2}
}

func TestRelayForwardsObjects(t *testing.T) {
	cs := &captureSink{}
	r := NewRelay(busConfig(config.EncodingLegacySingleQuote), cs)
	sub := &fakeSubscriber{}

	require.NoError(t, r.Start(context.Background(), sub))
	defer r.Stop()
	assert.Equal(t, "raspberrypi.system_health", sub.subject)

	sub.cb(&nats.Msg{Subject: sub.subject, Data: []byte(`{'cpu_usage_percent': 3.5}`)})
	sub.cb(&nats.Msg{Subject: sub.subject, Data: []byte(`not json`)})

	require.Eventually(t, func() bool { return r.Stats().Rejected == 1 && len(cs.Bodies()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, `{"cpu_usage_percent":3.5}`, cs.Bodies()[0])
	assert.Equal(t, int64(1), r.Stats().Forwarded)
}

func TestRelayDropsWhenBufferFull(t *testing.T) {
	r := NewRelay(busConfig(config.EncodingStrict), &captureSink{})

	msg := models.BusMessage{Subject: "s", Data: []byte(`{}`)}
	assert.True(t, r.Enqueue(msg))
	assert.True(t, r.Enqueue(msg))
	assert.False(t, r.Enqueue(msg))
	assert.Equal(t, int64(1), r.Stats().Dropped)
	assert.Equal(t, 2, r.BufferLen())
}

func TestRelayHandleFailure(t *testing.T) {
	r := NewRelay(busConfig(config.EncodingStrict), &captureSink{fail: true})
	out := r.Handle(context.Background(), models.BusMessage{Subject: "s", Data: []byte(`{"a":1}`)})
	assert.ErrorIs(t, out.Err, sink.ErrNon2xx)
	assert.Equal(t, int64(1), r.Stats().Failed)
}

func TestRelayStartSubscribeError(t *testing.T) {
	r := NewRelay(busConfig(config.EncodingStrict), &captureSink{})
	err := r.Start(context.Background(), &fakeSubscriber{err: nats.ErrConnectionClosed})
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

type fakePublishing struct {
	mu       sync.Mutex
	subjects []string
	data     [][]byte
	err      error
}

func (f *fakePublishing) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.data = append(f.data, data)
	return nil
}

func (f *fakePublishing) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

func fixedSample(ctx context.Context) (telemetry.Sample, error) {
	return telemetry.Sample{CPUUsagePercent: 7.5, MemoryUsedMB: 512, MemoryTotalMB: 4096}, nil
}

func TestPublishOnce(t *testing.T) {
	pub := &fakePublishing{}
	p := NewPublisher(pub, busConfig(""), config.PublisherConfig{Interval: time.Minute}, fixedSample)

	require.NoError(t, p.PublishOnce(context.Background()))
	require.Equal(t, 1, pub.Count())
	assert.Equal(t, "raspberrypi.system_health", pub.subjects[0])

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.data[0], &doc))
	assert.Nil(t, doc["cpu_temperature"])
	assert.Equal(t, 7.5, doc["cpu_usage_percent"])
	assert.Equal(t, float64(4096), doc["memory_total_mb"])

	// The relay side accepts what the publisher emits.
	_, err := Decode(pub.data[0], config.EncodingStrict)
	assert.NoError(t, err)
}

func TestPublishOnceErrors(t *testing.T) {
	failing := func(ctx context.Context) (telemetry.Sample, error) {
		return telemetry.Sample{}, errors.New("no sensors")
	}
	p := NewPublisher(&fakePublishing{}, busConfig(""), config.PublisherConfig{Interval: time.Minute}, failing)
	assert.Error(t, p.PublishOnce(context.Background()))

	p = NewPublisher(&fakePublishing{err: nats.ErrConnectionClosed}, busConfig(""), config.PublisherConfig{Interval: time.Minute}, fixedSample)
	assert.ErrorIs(t, p.PublishOnce(context.Background()), nats.ErrConnectionClosed)
	assert.Equal(t, int64(1), p.ReportFields()["failed"])
}

func TestPublisherRun(t *testing.T) {
	pub := &fakePublishing{}
	p := NewPublisher(pub, busConfig(""), config.PublisherConfig{Interval: time.Second}, fixedSample)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.Count() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not stop")
	}
}

func TestConnectWithoutBrokerRetriesInBackground(t *testing.T) {
	conn, err := Connect(config.BusConfig{
		URL:           "nats://127.0.0.1:1",
		Subject:       "raspberrypi.system_health",
		ReconnectWait: 10 * time.Millisecond,
		MaxReconnects: -1,
	}, "bus_test")
	require.NoError(t, err)
	defer conn.Close()
	assert.False(t, conn.IsConnected())

	err = WaitConnected(context.Background(), conn, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Subscriptions made while the broker is down are kept for later.
	r := NewRelay(config.BusConfig{Subject: "raspberrypi.system_health", Buffer: 1}, sink.NewFanout())
	require.NoError(t, r.Start(context.Background(), conn))
	r.Stop()
}

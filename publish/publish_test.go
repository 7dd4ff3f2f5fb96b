package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthbook/orderbook"
)

type recordingSink struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   bool
	err      error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, _ *orderbook.TopOfBook, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return s.err
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func quote(id int64) *orderbook.TopOfBook {
	return &orderbook.TopOfBook{Symbol: "BTCUSDT", LastUpdateID: id, State: "synced", UpdatedAt: time.UnixMilli(id)}
}

func TestPublishKeepsLatest(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(2, 0, zerolog.Nop())
	for i := int64(1); i <= 5; i++ {
		d.Publish(quote(i))
	}
	assert.Equal(t, uint64(3), d.Replaced())
	assert.Equal(t, int64(4), (<-d.queue).LastUpdateID)
	assert.Equal(t, int64(5), (<-d.queue).LastUpdateID)
}

func TestDispatcherDelivers(t *testing.T) {
	t.Parallel()
	good := &recordingSink{}
	bad := &recordingSink{err: errors.New("broker down")}
	d := NewDispatcher(16, time.Second, zerolog.Nop(), good, bad)
	assert.Equal(t, []string{"recording", "recording"}, d.Sinks())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Publish(quote(7))
	require.Eventually(t, func() bool { return good.count() == 1 && bad.count() == 1 }, 5*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, uint64(1), d.Failed())
	assert.True(t, good.closed)

	var top orderbook.TopOfBook
	require.NoError(t, json.Unmarshal(good.payloads[0], &top))
	assert.Equal(t, int64(7), top.LastUpdateID)
}

type fakeRedis struct {
	published map[string][]byte
	stored    map[string][]byte
	closed    bool
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.published[channel] = message.([]byte)
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.stored[key] = value.([]byte)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisSink(t *testing.T) {
	t.Parallel()
	c := &fakeRedis{published: map[string][]byte{}, stored: map[string][]byte{}}
	s := newRedisSink(c, "quotes", "top")
	require.NoError(t, s.Send(context.Background(), quote(1), []byte(`{"x":1}`)))
	assert.Equal(t, `{"x":1}`, string(c.published["quotes"]))
	assert.Equal(t, `{"x":1}`, string(c.stored["top:BTCUSDT"]))
	require.NoError(t, s.Close())
	assert.True(t, c.closed)
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSink(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	s := &KafkaSink{writer: w}
	require.NoError(t, s.Send(context.Background(), quote(3), []byte("payload")))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "BTCUSDT", string(w.msgs[0].Key))
	assert.Equal(t, "payload", string(w.msgs[0].Value))
	assert.Equal(t, time.UnixMilli(3), w.msgs[0].Time)
}

func TestHub(t *testing.T) {
	t.Parallel()
	h := NewHub(2)
	require.NoError(t, h.Send(context.Background(), quote(1), []byte("a")))

	ch, cancel := h.Subscribe()
	assert.Equal(t, "a", string(<-ch), "new subscribers start from the latest quote")

	slow, _ := h.Subscribe()
	assert.Equal(t, 2, h.Subscribers())

	for _, p := range []string{"b", "c", "d"} {
		require.NoError(t, h.Send(context.Background(), nil, []byte(p)))
		assert.Equal(t, p, string(<-ch))
	}
	assert.Equal(t, 1, h.Subscribers(), "subscriber that fell behind is dropped")
	var got []string
	for p := range slow {
		got = append(got, string(p))
	}
	assert.Equal(t, []string{"a", "b"}, got)

	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, h.Subscribers())

	require.NoError(t, h.Close())
	closed, _ := h.Subscribe()
	_, open = <-closed
	assert.False(t, open)
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthbook/orderbook"
	"depthbook/ringbuffer"
)

type scripted struct {
	resp *SnapshotResponse
	err  error
}

type fakeFetcher struct {
	mu     sync.Mutex
	script []scripted
	calls  int
	// onFetch runs inside the engine goroutine before a response is returned
	onFetch func(call int)
}

func (f *fakeFetcher) FetchSnapshot(_ context.Context, _ string) (*SnapshotResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.onFetch != nil {
		f.onFetch(f.calls)
	}
	if len(f.script) == 0 {
		return nil, errors.New("script exhausted")
	}
	s := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return s.resp, s.err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// stateLog records state transitions reported by the engine
type stateLog struct {
	nopRecorder
	mu     sync.Mutex
	states []string
}

func (l *stateLog) StateChanged(state string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *stateLog) States() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.states...)
}

func ok(snap *orderbook.SnapshotEvent) scripted {
	return scripted{resp: &SnapshotResponse{StatusCode: http.StatusOK, Snapshot: snap}}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func lvl(price, qty string) orderbook.PriceLevel {
	return orderbook.PriceLevel{Price: d(price), Quantity: d(qty)}
}

func testConfig() Config {
	return Config{
		Symbol:                  "BTCUSDT",
		SnapshotURL:             "http://exchange.test/depth",
		ReadyPollInterval:       time.Millisecond,
		ReadyMaxPolls:           5,
		PeekRetryInterval:       time.Millisecond,
		PeekMaxRetries:          5,
		SnapshotRetryInterval:   time.Millisecond,
		SnapshotMaxRetries:      3,
		StaleSnapshotInterval:   time.Millisecond,
		StaleSnapshotMaxRetries: 3,
		IdleBackoff:             time.Millisecond,
	}
}

func newRing(t *testing.T, capacity int, events ...orderbook.DeltaEvent) *ringbuffer.Ring[orderbook.DeltaEvent] {
	t.Helper()
	r, err := ringbuffer.New[orderbook.DeltaEvent](capacity)
	require.NoError(t, err)
	for i := range events {
		require.True(t, r.TryPush(events[i]))
	}
	return r
}

func delta(first, final int64, bids, asks []orderbook.PriceLevel) orderbook.DeltaEvent {
	return orderbook.DeltaEvent{Symbol: "BTCUSDT", FirstUpdateID: first, FinalUpdateID: final, Bids: bids, Asks: asks}
}

// applyBuffered runs the loop body over everything currently buffered
func applyBuffered(e *Engine) []outcome {
	var (
		ev  orderbook.DeltaEvent
		out []outcome
	)
	for e.next(&ev) {
		out = append(out, e.process(&ev))
	}
	return out
}

func TestSynchroniseInvalidHandles(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), nil, &fakeFetcher{})
	err := e.Synchronise(context.Background())
	assert.ErrorIs(t, err, ErrNilBuffer)
	assert.Equal(t, Failed, e.State())
	assert.True(t, e.Stale())

	e = New(testConfig(), newRing(t, 4), nil)
	assert.ErrorIs(t, e.Synchronise(context.Background()), ErrNilFetcher)
}

func TestWaitForBufferCeiling(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{}
	e := New(testConfig(), newRing(t, 4), f)
	err := e.Synchronise(context.Background())
	assert.ErrorIs(t, err, ErrBufferNotReady)
	assert.Zero(t, f.Calls(), "no snapshot is fetched before the buffer is ready")
}

func TestWaitForBufferBecomesReady(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ReadyMaxPolls = 1000
	r := newRing(t, 4, delta(1, 1, nil, nil))
	f := &fakeFetcher{script: []scripted{ok(&orderbook.SnapshotEvent{LastUpdateID: 1})}}
	e := New(cfg, r, f)

	go func() {
		time.Sleep(5 * time.Millisecond)
		r.SetReady(true)
	}()
	require.NoError(t, e.Synchronise(context.Background()))
	assert.Equal(t, Synced, e.State())
}

func TestAnchorCeiling(t *testing.T) {
	t.Parallel()
	r := newRing(t, 4)
	r.SetReady(true)
	f := &fakeFetcher{}
	e := New(testConfig(), r, f)
	assert.ErrorIs(t, e.Synchronise(context.Background()), ErrBufferEmpty)
	assert.Zero(t, f.Calls())
}

func TestSnapshotRetries(t *testing.T) {
	t.Parallel()
	r := newRing(t, 4, delta(5, 6, nil, nil))
	r.SetReady(true)
	f := &fakeFetcher{script: []scripted{
		{resp: &SnapshotResponse{StatusCode: http.StatusTooManyRequests, Raw: []byte(`{"code":-1003}`)}},
		{err: errors.New("connection reset")},
		ok(&orderbook.SnapshotEvent{LastUpdateID: 6, Bids: []orderbook.PriceLevel{lvl("1", "1")}}),
	}}
	e := New(testConfig(), r, f)
	require.NoError(t, e.Synchronise(context.Background()))
	assert.Equal(t, 3, f.Calls())
	assert.Equal(t, int64(6), e.LocalUpdateID())
	assert.False(t, e.Stale())
}

func TestSnapshotRetryCeiling(t *testing.T) {
	t.Parallel()
	r := newRing(t, 4, delta(5, 6, nil, nil))
	r.SetReady(true)
	f := &fakeFetcher{script: []scripted{{resp: &SnapshotResponse{StatusCode: http.StatusInternalServerError}}}}
	e := New(testConfig(), r, f)
	err := e.Synchronise(context.Background())
	assert.ErrorIs(t, err, ErrSnapshotUnavailable)
	assert.Equal(t, testConfig().SnapshotMaxRetries+1, f.Calls())
	assert.Equal(t, Failed, e.State())
}

func TestSnapshotMissingVersionIsFatal(t *testing.T) {
	t.Parallel()
	r := newRing(t, 4, delta(5, 6, nil, nil))
	r.SetReady(true)
	f := &fakeFetcher{script: []scripted{{err: fmt.Errorf("decode: %w", orderbook.ErrMissingVersion)}}}
	e := New(testConfig(), r, f)
	assert.ErrorIs(t, e.Synchronise(context.Background()), orderbook.ErrMissingVersion)
	assert.Equal(t, 1, f.Calls())

	f = &fakeFetcher{script: []scripted{{resp: &SnapshotResponse{StatusCode: http.StatusOK}}}}
	e = New(testConfig(), r, f)
	assert.ErrorIs(t, e.Synchronise(context.Background()), orderbook.ErrMissingVersion)
}

func TestStaleSnapshotCeiling(t *testing.T) {
	t.Parallel()
	r := newRing(t, 4, delta(50, 60, nil, nil))
	r.SetReady(true)
	f := &fakeFetcher{script: []scripted{ok(&orderbook.SnapshotEvent{LastUpdateID: 49})}}
	e := New(testConfig(), r, f)
	assert.ErrorIs(t, e.Synchronise(context.Background()), ErrSnapshotStale)
	assert.Equal(t, testConfig().StaleSnapshotMaxRetries+1, f.Calls())
}

func TestDrainKeepsStraddlingUpdate(t *testing.T) {
	t.Parallel()
	r := newRing(t, 8,
		delta(90, 94, []orderbook.PriceLevel{lvl("1", "1")}, nil),
		delta(95, 101, []orderbook.PriceLevel{lvl("10", "1")}, nil),
		delta(102, 110, nil, []orderbook.PriceLevel{lvl("11", "2")}),
	)
	r.SetReady(true)
	f := &fakeFetcher{script: []scripted{ok(&orderbook.SnapshotEvent{LastUpdateID: 100})}}
	e := New(testConfig(), r, f)

	require.NoError(t, e.Synchronise(context.Background()))
	assert.Equal(t, int64(100), e.LocalUpdateID())
	assert.Equal(t, 2, r.Size(), "only the update contained in the snapshot is drained")

	assert.Equal(t, []outcome{applied, applied}, applyBuffered(e))
	assert.Equal(t, int64(110), e.LocalUpdateID())
	_, found := e.store.Quantity(orderbook.Bid, d("1"))
	assert.False(t, found, "drained update must not be applied")
	q, found := e.store.Quantity(orderbook.Bid, d("10"))
	require.True(t, found)
	assert.Equal(t, "1", q.String())
}

func TestProcessClassification(t *testing.T) {
	t.Parallel()
	r := newRing(t, 16, delta(1, 1, nil, nil))
	r.SetReady(true)
	f := &fakeFetcher{script: []scripted{ok(&orderbook.SnapshotEvent{LastUpdateID: 110})}}
	e := New(testConfig(), r, f)
	require.NoError(t, e.Synchronise(context.Background()))
	require.Equal(t, int64(110), e.LocalUpdateID())

	stale := delta(100, 105, []orderbook.PriceLevel{lvl("5", "1")}, nil)
	assert.Equal(t, staleEvent, e.process(&stale))

	inverted := delta(112, 111, []orderbook.PriceLevel{lvl("5", "1")}, nil)
	assert.Equal(t, malformedEvent, e.process(&inverted))

	negative := delta(111, 112, []orderbook.PriceLevel{lvl("5", "1")}, []orderbook.PriceLevel{lvl("6", "-1")})
	assert.Equal(t, malformedEvent, e.process(&negative))
	assert.Zero(t, e.store.Len(orderbook.Bid), "malformed update is discarded wholesale")
	assert.Equal(t, int64(110), e.LocalUpdateID())

	gapped := delta(115, 120, []orderbook.PriceLevel{lvl("5", "1")}, nil)
	assert.Equal(t, gap, e.process(&gapped))
	assert.Equal(t, int64(110), e.LocalUpdateID(), "a gapped update is never applied")

	next := delta(111, 112, []orderbook.PriceLevel{lvl("5", "1")}, nil)
	assert.Equal(t, applied, e.process(&next))
	assert.Equal(t, int64(112), e.LocalUpdateID())
}

func TestGapTriggersResync(t *testing.T) {
	t.Parallel()
	r := newRing(t, 8,
		delta(95, 101, []orderbook.PriceLevel{lvl("10", "1")}, []orderbook.PriceLevel{lvl("12", "1")}),
		delta(102, 110, []orderbook.PriceLevel{lvl("10", "2")}, nil),
		delta(115, 120, []orderbook.PriceLevel{lvl("10.5", "4")}, nil),
	)
	r.SetReady(true)

	var (
		e         *Engine
		staleSeen []bool
	)
	f := &fakeFetcher{
		script: []scripted{
			ok(&orderbook.SnapshotEvent{LastUpdateID: 100, Bids: []orderbook.PriceLevel{lvl("9", "1")}}),
			ok(&orderbook.SnapshotEvent{
				LastUpdateID: 117,
				Bids:         []orderbook.PriceLevel{lvl("10", "3")},
				Asks:         []orderbook.PriceLevel{lvl("12", "1")},
			}),
		},
		onFetch: func(int) { staleSeen = append(staleSeen, e.Stale()) },
	}
	states := &stateLog{}
	e = New(testConfig(), r, f, WithRecorder(states))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return e.LocalUpdateID() == 120 }, 5*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, Stopped, e.State())

	syncSteps := []string{"waiting_for_buffer", "fetching_snapshot", "validating_snapshot", "draining_stale", "synced"}
	want := append(append(append([]string{}, syncSteps...), "resyncing"), syncSteps...)
	assert.Equal(t, append(want, "stopped"), states.States())

	assert.Equal(t, 2, f.Calls(), "gap causes exactly one resync")
	assert.Equal(t, []bool{true, true}, staleSeen, "queries are flagged stale while synchronising")

	bid, found := e.store.BestBid()
	require.True(t, found)
	assert.True(t, bid.Price.Equal(d("10.5")), "held back update is applied after the resync")
	q, _ := e.store.Quantity(orderbook.Bid, d("10"))
	assert.Equal(t, "3", q.String(), "book is reseeded from the second snapshot")
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()
	r := newRing(t, 8,
		delta(10, 12, []orderbook.PriceLevel{lvl("100", "1")}, []orderbook.PriceLevel{lvl("105", "1")}),
		delta(13, 15, []orderbook.PriceLevel{lvl("101", "2")}, []orderbook.PriceLevel{lvl("105", "0"), lvl("106", "3")}),
		delta(16, 18, []orderbook.PriceLevel{lvl("100", "0")}, nil),
	)
	f := &fakeFetcher{script: []scripted{
		ok(&orderbook.SnapshotEvent{LastUpdateID: 9}),
		ok(&orderbook.SnapshotEvent{
			LastUpdateID: 12,
			Bids:         []orderbook.PriceLevel{lvl("100", "5"), lvl("99", "1")},
			Asks:         []orderbook.PriceLevel{lvl("105", "2"), lvl("107", "1")},
		}),
	}}
	cfg := testConfig()
	cfg.ReadyMaxPolls = 1000
	cfg.PublishDepth = 5
	e := New(cfg, r, f)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	assert.True(t, e.Stale())
	_, found := e.BestBid()
	assert.False(t, found, "no best bid is served before the first sync")
	r.SetReady(true)

	require.Eventually(t, func() bool {
		top := e.Top()
		return top.LastUpdateID == 18 && !top.Stale
	}, 5*time.Second, time.Millisecond)

	top := e.Top()
	assert.Equal(t, Synced.String(), top.State)
	require.NotNil(t, top.Spread)
	assert.Equal(t, "5", top.Spread.String())
	assert.Equal(t, []orderbook.PriceLevel{lvl("101", "2"), lvl("99", "1")}, top.Bids)
	assert.Equal(t, []orderbook.PriceLevel{lvl("106", "3"), lvl("107", "1")}, top.Asks)

	bid, found := e.BestBid()
	require.True(t, found)
	assert.Equal(t, "101", bid.Price.String())
	ask, found := e.BestAsk()
	require.True(t, found)
	assert.Equal(t, "106", ask.Price.String())
	spread, found := e.Spread()
	require.True(t, found)
	assert.Equal(t, "5", spread.String())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 2, f.Calls(), "stale snapshot is retried exactly once")
	assert.Equal(t, []orderbook.PriceLevel{lvl("101", "2"), lvl("99", "1")}, e.store.Levels(orderbook.Bid, 0))
	assert.Equal(t, []orderbook.PriceLevel{lvl("106", "3"), lvl("107", "1")}, e.store.Levels(orderbook.Ask, 0))

	// a stopped engine no longer follows the stream
	assert.Equal(t, Stopped, e.State())
	assert.True(t, e.Stale())
	assert.Equal(t, Stopped.String(), e.Top().State)
	_, found = e.BestBid()
	assert.False(t, found)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.SnapshotMaxRetries = -1
	e := New(cfg, newRing(t, 4), &fakeFetcher{})
	assert.ErrorIs(t, e.Run(context.Background()), errInvalidConfig)
	assert.Equal(t, Failed, e.State())
}

func TestRunCancelledWhileWaiting(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ReadyMaxPolls = 1 << 20
	e := New(cfg, newRing(t, 4), &fakeFetcher{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Run(ctx), context.DeadlineExceeded)
	assert.Equal(t, Stopped, e.State())
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "synced", Synced.String())
	assert.Equal(t, "resyncing", Resyncing.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestDefaultConfigValid(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"depthbook/orderbook"
	"depthbook/ringbuffer"
)

var (
	ErrNilBuffer           = errors.New("update buffer is nil")
	ErrNilFetcher          = errors.New("snapshot fetcher is nil")
	ErrBufferNotReady      = errors.New("update buffer never became ready")
	ErrBufferEmpty         = errors.New("no buffered update to anchor the snapshot")
	ErrSnapshotUnavailable = errors.New("snapshot unavailable")
	ErrSnapshotStale       = errors.New("snapshot kept predating buffered updates")
)

// SnapshotResponse is the outcome of a snapshot request that reached the
// exchange. Snapshot is only set for a successful status.
type SnapshotResponse struct {
	StatusCode int
	Snapshot   *orderbook.SnapshotEvent
	Raw        []byte
}

// SnapshotFetcher retrieves a full ladder. A returned error is a transport
// failure unless it wraps orderbook.ErrMissingVersion.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, url string) (*SnapshotResponse, error)
}

// Recorder receives engine measurements
type Recorder interface {
	StateChanged(state string)
	EventApplied()
	StaleEventDropped()
	MalformedEventDropped()
	GapDetected()
	SnapshotAttempt()
	SnapshotFailed()
	StaleSnapshot()
	LocalUpdateID(id int64)
	BufferSize(n int)
}

// Publisher receives every new top of book. It must not block.
type Publisher interface {
	Publish(top *orderbook.TopOfBook)
}

type outcome uint8

const (
	applied outcome = iota
	staleEvent
	malformedEvent
	gap
)

// Engine keeps a local replica of an exchange book in sync with a stream of
// buffered delta events. Run must be called from exactly one goroutine, which
// becomes the sole consumer of the buffer and the sole owner of the store.
// The query methods are safe from any goroutine.
type Engine struct {
	cfg       Config
	buffer    *ringbuffer.Ring[orderbook.DeltaEvent]
	fetcher   SnapshotFetcher
	store     *orderbook.Store
	log       zerolog.Logger
	recorder  Recorder
	publisher Publisher

	// pending holds an event taken off the buffer that must be reconsidered
	// after a resync
	pending *orderbook.DeltaEvent
	session string

	state         atomic.Int32
	localUpdateID atomic.Int64
	top           atomic.Pointer[orderbook.TopOfBook]
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithPublisher sets where top of book changes are sent
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// New returns an engine consuming buffer. Handle validation is deferred to
// Run so a nil buffer surfaces as an init failure.
func New(cfg Config, buffer *ringbuffer.Ring[orderbook.DeltaEvent], fetcher SnapshotFetcher, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		buffer:   buffer,
		fetcher:  fetcher,
		store:    orderbook.NewStore(),
		log:      zerolog.Nop(),
		recorder: nopRecorder{},
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With().Str("symbol", cfg.Symbol).Logger()
	e.top.Store(&orderbook.TopOfBook{Symbol: cfg.Symbol, Stale: true, State: Idle.String()})
	return e
}

// Run synchronises the book then applies buffered updates until ctx is done
// or synchronisation fails. Sequence gaps trigger a full resync and are not
// returned.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.cfg.Validate(); err != nil {
		e.setState(Failed)
		return err
	}
	if err := e.Synchronise(ctx); err != nil {
		return err
	}
	var ev orderbook.DeltaEvent
	for {
		if err := ctx.Err(); err != nil {
			e.stop()
			return err
		}
		if !e.next(&ev) {
			if err := sleep(ctx, e.cfg.IdleBackoff); err != nil {
				e.stop()
				return err
			}
			continue
		}
		if e.process(&ev) != gap {
			continue
		}
		if err := e.resync(ctx, ev); err != nil {
			return err
		}
	}
}

// Synchronise runs the init sequence: wait for the buffer, anchor on the
// oldest buffered update, fetch a snapshot that covers it, seed the store and
// drain updates the snapshot already contains.
func (e *Engine) Synchronise(ctx context.Context) error {
	err := e.synchronise(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		e.stop()
		return ctx.Err()
	}
	e.setState(Failed)
	e.log.Error().Err(err).Str("session", e.session).Msg("synchronisation failed")
	return err
}

func (e *Engine) synchronise(ctx context.Context) error {
	if e.buffer == nil {
		return ErrNilBuffer
	}
	if e.fetcher == nil {
		return ErrNilFetcher
	}
	e.session = uuid.NewString()
	e.markStale()

	if err := e.waitForBuffer(ctx); err != nil {
		return err
	}
	first, err := e.anchor(ctx)
	if err != nil {
		return err
	}
	snap, err := e.validSnapshot(ctx, first.FirstUpdateID)
	if err != nil {
		return err
	}
	if err = e.store.Seed(snap); err != nil {
		return fmt.Errorf("seeding store: %w", err)
	}

	e.setState(DrainingStale)
	dropped := e.drainStale(snap.LastUpdateID)

	e.localUpdateID.Store(snap.LastUpdateID)
	e.recorder.LocalUpdateID(snap.LastUpdateID)
	e.setState(Synced)
	e.log.Info().
		Str("session", e.session).
		Int64("last_update_id", snap.LastUpdateID).
		Int("drained", dropped).
		Int("bids", e.store.Len(orderbook.Bid)).
		Int("asks", e.store.Len(orderbook.Ask)).
		Msg("book synchronised")
	e.publish()
	return nil
}

func (e *Engine) waitForBuffer(ctx context.Context) error {
	e.setState(WaitingForBuffer)
	for polls := 0; !e.buffer.Ready(); polls++ {
		if polls >= e.cfg.ReadyMaxPolls {
			return fmt.Errorf("%w after %d polls", ErrBufferNotReady, polls)
		}
		e.log.Debug().Str("session", e.session).Int("poll", polls+1).Msg("waiting for update buffer")
		if err := sleep(ctx, e.cfg.ReadyPollInterval); err != nil {
			return err
		}
	}
	return nil
}

// anchor returns the oldest update without consuming it
func (e *Engine) anchor(ctx context.Context) (orderbook.DeltaEvent, error) {
	var first orderbook.DeltaEvent
	for retries := 0; !e.peek(&first); retries++ {
		if retries >= e.cfg.PeekMaxRetries {
			return first, fmt.Errorf("%w after %d retries", ErrBufferEmpty, retries)
		}
		if err := sleep(ctx, e.cfg.PeekRetryInterval); err != nil {
			return first, err
		}
	}
	return first, nil
}

// validSnapshot fetches until the snapshot is at least as new as the first
// buffered update
func (e *Engine) validSnapshot(ctx context.Context, firstUpdateID int64) (*orderbook.SnapshotEvent, error) {
	for stale := 0; ; stale++ {
		snap, err := e.fetchSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		e.setState(ValidatingSnapshot)
		if snap.LastUpdateID >= firstUpdateID {
			return snap, nil
		}
		e.recorder.StaleSnapshot()
		e.log.Warn().
			Str("session", e.session).
			Int64("last_update_id", snap.LastUpdateID).
			Int64("first_update_id", firstUpdateID).
			Msg("snapshot predates buffered updates, refetching")
		if stale >= e.cfg.StaleSnapshotMaxRetries {
			return nil, fmt.Errorf("%w: last update id %d < %d after %d refetches",
				ErrSnapshotStale, snap.LastUpdateID, firstUpdateID, stale)
		}
		if err := sleep(ctx, e.cfg.StaleSnapshotInterval); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) fetchSnapshot(ctx context.Context) (*orderbook.SnapshotEvent, error) {
	for retries := 0; ; retries++ {
		e.setState(FetchingSnapshot)
		e.recorder.SnapshotAttempt()
		resp, err := e.fetcher.FetchSnapshot(ctx, e.cfg.SnapshotURL)
		switch {
		case err != nil && errors.Is(err, orderbook.ErrMissingVersion):
			return nil, err
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err == nil && resp == nil:
			err = errors.New("fetcher returned no response")
		case err == nil && resp.StatusCode == http.StatusOK && resp.Snapshot == nil:
			return nil, fmt.Errorf("%w: empty payload", orderbook.ErrMissingVersion)
		case err == nil && resp.StatusCode == http.StatusOK:
			return resp.Snapshot, nil
		case err == nil:
			err = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(resp.Raw, 256))
		}
		e.recorder.SnapshotFailed()
		e.log.Warn().Err(err).Str("session", e.session).Int("retry", retries).Msg("snapshot fetch failed")
		if retries >= e.cfg.SnapshotMaxRetries {
			return nil, fmt.Errorf("%w after %d retries: %v", ErrSnapshotUnavailable, retries, err)
		}
		if err := sleep(ctx, e.cfg.SnapshotRetryInterval); err != nil {
			return nil, err
		}
	}
}

// drainStale discards buffered updates fully contained in the snapshot. The
// first update reaching past it is left in place to be applied.
func (e *Engine) drainStale(lastUpdateID int64) int {
	var (
		ev      orderbook.DeltaEvent
		dropped int
	)
	for e.peek(&ev) && ev.FinalUpdateID <= lastUpdateID {
		e.next(&ev)
		e.recorder.StaleEventDropped()
		dropped++
	}
	return dropped
}

func (e *Engine) process(ev *orderbook.DeltaEvent) outcome {
	local := e.localUpdateID.Load()
	if !ev.Valid() {
		e.recorder.MalformedEventDropped()
		e.log.Warn().Int64("U", ev.FirstUpdateID).Int64("u", ev.FinalUpdateID).Msg("discarding update with inverted id range")
		return malformedEvent
	}
	if ev.FinalUpdateID < local {
		e.recorder.StaleEventDropped()
		return staleEvent
	}
	if ev.FirstUpdateID > local+1 {
		return gap
	}
	if err := e.store.ApplyDelta(ev); err != nil {
		e.recorder.MalformedEventDropped()
		e.log.Warn().Err(err).Int64("u", ev.FinalUpdateID).Msg("discarding malformed update")
		return malformedEvent
	}
	e.localUpdateID.Store(ev.FinalUpdateID)
	e.recorder.EventApplied()
	e.recorder.LocalUpdateID(ev.FinalUpdateID)
	e.publish()
	return applied
}

func (e *Engine) resync(ctx context.Context, ev orderbook.DeltaEvent) error {
	local := e.localUpdateID.Load()
	e.recorder.GapDetected()
	e.log.Warn().
		Str("session", e.session).
		Int64("local_update_id", local).
		Int64("first_update_id", ev.FirstUpdateID).
		Int64("missing", ev.FirstUpdateID-local-1).
		Msg("sequence gap detected, resynchronising")
	e.pending = &ev
	e.setState(Resyncing)
	e.store.Clear()
	return e.Synchronise(ctx)
}

// next pops the oldest update, preferring a held back one
func (e *Engine) next(dst *orderbook.DeltaEvent) bool {
	if e.pending != nil {
		*dst = *e.pending
		e.pending = nil
		return true
	}
	ok := e.buffer.TryPop(dst)
	e.recorder.BufferSize(e.buffer.Size())
	return ok
}

func (e *Engine) peek(dst *orderbook.DeltaEvent) bool {
	if e.pending != nil {
		*dst = *e.pending
		return true
	}
	return e.buffer.TryPeek(dst)
}

func (e *Engine) setState(s State) {
	if State(e.state.Swap(int32(s))) == s {
		return
	}
	e.recorder.StateChanged(s.String())
	e.log.Info().Str("session", e.session).Str("state", s.String()).Msg("state transition")
	if s != Synced {
		top := *e.top.Load()
		top.State = s.String()
		top.Stale = true
		e.top.Store(&top)
	}
}

func (e *Engine) stop() {
	e.setState(Stopped)
}

// markStale publishes that the current book can no longer be trusted
func (e *Engine) markStale() {
	top := &orderbook.TopOfBook{
		Symbol:       e.cfg.Symbol,
		LastUpdateID: e.localUpdateID.Load(),
		Stale:        true,
		State:        e.State().String(),
		UpdatedAt:    time.Now(),
	}
	e.top.Store(top)
	if e.publisher != nil {
		e.publisher.Publish(top)
	}
}

func (e *Engine) publish() {
	top := &orderbook.TopOfBook{
		Symbol:       e.cfg.Symbol,
		LastUpdateID: e.localUpdateID.Load(),
		State:        Synced.String(),
		UpdatedAt:    time.Now(),
	}
	if bid, ok := e.store.BestBid(); ok {
		top.BestBid = &bid
	}
	if ask, ok := e.store.BestAsk(); ok {
		top.BestAsk = &ask
	}
	if top.BestBid != nil && top.BestAsk != nil {
		spread := top.BestAsk.Price.Sub(top.BestBid.Price)
		top.Spread = &spread
	}
	if e.cfg.PublishDepth > 0 {
		top.Bids = e.store.Levels(orderbook.Bid, e.cfg.PublishDepth)
		top.Asks = e.store.Levels(orderbook.Ask, e.cfg.PublishDepth)
	}
	e.top.Store(top)
	if e.publisher != nil {
		e.publisher.Publish(top)
	}
}

// Top returns the last published top of book
func (e *Engine) Top() *orderbook.TopOfBook {
	return e.top.Load()
}

// BestBid returns the published best bid. ok is false when the side is empty
// or the book is being resynchronised.
func (e *Engine) BestBid() (orderbook.PriceLevel, bool) {
	top := e.top.Load()
	if top.Stale || top.BestBid == nil {
		return orderbook.PriceLevel{}, false
	}
	return *top.BestBid, true
}

// BestAsk returns the published best ask
func (e *Engine) BestAsk() (orderbook.PriceLevel, bool) {
	top := e.top.Load()
	if top.Stale || top.BestAsk == nil {
		return orderbook.PriceLevel{}, false
	}
	return *top.BestAsk, true
}

// Spread returns the published spread
func (e *Engine) Spread() (decimal.Decimal, bool) {
	top := e.top.Load()
	if top.Stale || top.Spread == nil {
		return decimal.Decimal{}, false
	}
	return *top.Spread, true
}

// Stale reports whether queries currently reflect an unsynchronised book
func (e *Engine) Stale() bool {
	return e.top.Load().Stale
}

// State returns the current state
func (e *Engine) State() State {
	return State(e.state.Load())
}

// LocalUpdateID returns the final update id of the last applied update
func (e *Engine) LocalUpdateID() int64 {
	return e.localUpdateID.Load()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

type nopRecorder struct{}

func (nopRecorder) StateChanged(string) {}
func (nopRecorder) EventApplied() {}
func (nopRecorder) StaleEventDropped() {}
func (nopRecorder) MalformedEventDropped() {}
func (nopRecorder) GapDetected() {}
func (nopRecorder) SnapshotAttempt() {}
func (nopRecorder) SnapshotFailed() {}
func (nopRecorder) StaleSnapshot() {}
func (nopRecorder) LocalUpdateID(int64) {}
func (nopRecorder) BufferSize(int) {}

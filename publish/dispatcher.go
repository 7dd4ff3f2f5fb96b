package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"depthbook/orderbook"
)

// Sink delivers an encoded top of book somewhere outside the process
type Sink interface {
	Name() string
	Send(ctx context.Context, top *orderbook.TopOfBook, payload []byte) error
	Close() error
}

// Dispatcher decouples the engine from slow sinks. Publish never blocks: when
// the queue is full the oldest pending quote is replaced, so sinks always
// converge on the latest book.
type Dispatcher struct {
	queue       chan *orderbook.TopOfBook
	sinks       []Sink
	log         zerolog.Logger
	sendTimeout time.Duration

	replaced atomic.Uint64
	failed   atomic.Uint64
}

// NewDispatcher returns a dispatcher with a queue of size quotes
func NewDispatcher(size int, sendTimeout time.Duration, log zerolog.Logger, sinks ...Sink) *Dispatcher {
	if size < 1 {
		size = 1
	}
	return &Dispatcher{
		queue:       make(chan *orderbook.TopOfBook, size),
		sinks:       sinks,
		log:         log,
		sendTimeout: sendTimeout,
	}
}

// Publish queues top for delivery. It must only be called from one goroutine.
func (d *Dispatcher) Publish(top *orderbook.TopOfBook) {
	for {
		select {
		case d.queue <- top:
			return
		default:
		}
		select {
		case <-d.queue:
			d.replaced.Add(1)
		default:
		}
	}
}

// Replaced counts quotes overwritten before delivery
func (d *Dispatcher) Replaced() uint64 {
	return d.replaced.Load()
}

// Failed counts failed sink deliveries
func (d *Dispatcher) Failed() uint64 {
	return d.failed.Load()
}

// Sinks names the configured sinks
func (d *Dispatcher) Sinks() []string {
	return lo.Map(d.sinks, func(s Sink, _ int) string { return s.Name() })
}

// Run delivers queued quotes until ctx is done, then closes every sink
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case top := <-d.queue:
			d.dispatch(ctx, top)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, top *orderbook.TopOfBook) {
	if len(d.sinks) == 0 {
		return
	}
	payload, err := json.Marshal(top)
	if err != nil {
		d.log.Error().Err(err).Msg("encoding top of book")
		return
	}
	for _, s := range d.sinks {
		if err := d.send(ctx, s, top, payload); err != nil && !errors.Is(err, context.Canceled) {
			d.failed.Add(1)
			d.log.Warn().Err(err).Str("sink", s.Name()).Int64("last_update_id", top.LastUpdateID).Msg("quote delivery failed")
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, s Sink, top *orderbook.TopOfBook, payload []byte) error {
	if d.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
	}
	return s.Send(ctx, top, payload)
}

func (d *Dispatcher) close() {
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			d.log.Warn().Err(err).Str("sink", s.Name()).Msg("closing sink")
		}
	}
}

package exchange

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"depthbook/orderbook"
	"depthbook/ringbuffer"
)

// FeedRecorder receives transport measurements
type FeedRecorder interface {
	MessageRejected()
	StreamConnected()
	StreamClosed()
}

// BufferFeed is the Handler that decodes depth updates and pushes them into
// the engine's ring. It owns the producer side of the ring and its readiness
// flag for as long as the stream client runs.
type BufferFeed struct {
	producer *ringbuffer.Producer[orderbook.DeltaEvent]
	symbol   string
	log      zerolog.Logger
	recorder FeedRecorder
}

// NewBufferFeed returns a feed accepting updates for symbol only. recorder may
// be nil.
func NewBufferFeed(p *ringbuffer.Producer[orderbook.DeltaEvent], symbol string, log zerolog.Logger, recorder FeedRecorder) *BufferFeed {
	if recorder == nil {
		recorder = nopFeedRecorder{}
	}
	return &BufferFeed{producer: p, symbol: symbol, log: log, recorder: recorder}
}

func (f *BufferFeed) OnConnect() {
	f.recorder.StreamConnected()
}

// OnMessage decodes msg and pushes it. The ring becomes ready on the first
// successful push of a connection.
func (f *BufferFeed) OnMessage(ctx context.Context, msg []byte) error {
	ev, err := DecodeDepthUpdate(msg)
	if errors.Is(err, ErrNotDepthUpdate) {
		return nil
	}
	if err != nil {
		f.recorder.MessageRejected()
		f.log.Warn().Err(err).Msg("rejecting depth update")
		return err
	}
	if f.symbol != "" && !strings.EqualFold(ev.Symbol, f.symbol) {
		return nil
	}
	if err = f.producer.Push(ctx, ev); err != nil {
		return err
	}
	ring := f.producer.Ring()
	if !ring.Ready() {
		ring.SetReady(true)
		f.log.Info().Int64("first_update_id", ev.FirstUpdateID).Msg("update buffer ready")
	}
	return nil
}

// OnClose clears readiness so a later synchronisation waits for the next
// connection
func (f *BufferFeed) OnClose(err error) {
	f.producer.Ring().SetReady(false)
	f.recorder.StreamClosed()
	f.log.Info().AnErr("cause", err).Msg("update buffer no longer ready")
}

type nopFeedRecorder struct{}

func (nopFeedRecorder) MessageRejected() {}
func (nopFeedRecorder) StreamConnected() {}
func (nopFeedRecorder) StreamClosed() {}

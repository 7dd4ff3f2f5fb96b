package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler receives the lifecycle of one stream connection. OnMessage is
// called from the read goroutine only, so implementations may treat it as the
// single producer of whatever they write to.
type Handler interface {
	OnConnect()
	OnMessage(ctx context.Context, msg []byte) error
	OnClose(err error)
}

// StreamOption configures a StreamClient
type StreamOption func(*StreamClient)

// WithReconnectDelay sets the pause between a disconnect and the next dial
func WithReconnectDelay(d time.Duration) StreamOption {
	return func(c *StreamClient) { c.reconnectDelay = d }
}

// WithReadTimeout closes a connection that stays silent for d
func WithReadTimeout(d time.Duration) StreamOption {
	return func(c *StreamClient) { c.readTimeout = d }
}

// WithDialer replaces the default websocket dialer
func WithDialer(d *websocket.Dialer) StreamOption {
	return func(c *StreamClient) { c.dialer = d }
}

// StreamClient keeps one websocket subscription alive and hands every frame to
// a Handler, redialling after each disconnect until its context ends.
type StreamClient struct {
	url            string
	handler        Handler
	dialer         *websocket.Dialer
	log            zerolog.Logger
	reconnectDelay time.Duration
	readTimeout    time.Duration
}

// NewStreamClient returns a client for url
func NewStreamClient(url string, h Handler, log zerolog.Logger, opts ...StreamOption) *StreamClient {
	c := &StreamClient{
		url:            url,
		handler:        h,
		dialer:         websocket.DefaultDialer,
		log:            log.With().Str("stream", url).Logger(),
		reconnectDelay: time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run connects and reads until ctx is done. Only ctx.Err() is returned.
func (c *StreamClient) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Dur("retry_in", c.reconnectDelay).Msg("depth stream disconnected")
		t := time.NewTimer(c.reconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *StreamClient) session(ctx context.Context) (err error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing %s: status %d: %w", c.url, resp.StatusCode, err)
		}
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}
	c.log.Info().Msg("depth stream connected")
	c.handler.OnConnect()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()
	defer func() {
		close(done)
		_ = conn.Close()
		c.handler.OnClose(err)
	}()

	for {
		if c.readTimeout > 0 {
			if err = conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				return err
			}
		}
		var (
			kind int
			msg  []byte
		)
		kind, msg, err = conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if herr := c.handler.OnMessage(ctx, msg); herr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Debug().Err(herr).Msg("frame rejected")
		}
	}
}

package ringbuffer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Policy decides what a producer does when the ring is full
type Policy uint8

const (
	// Spin retries the push until it succeeds or the context ends
	Spin Policy = iota + 1
	// Backoff retries a bounded number of times with a fixed delay, then drops
	// the item
	Backoff
	// Drop discards the item on the first failed push
	Drop
)

var (
	// ErrDropped is returned when an item was discarded because the ring
	// stayed full
	ErrDropped = errors.New("ring full, item dropped")

	errUnknownPolicy = errors.New("unknown push policy")
)

// ParsePolicy converts a config string to a Policy
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spin":
		return Spin, nil
	case "backoff", "":
		return Backoff, nil
	case "drop":
		return Drop, nil
	}
	return 0, fmt.Errorf("%w: %q", errUnknownPolicy, s)
}

func (p Policy) String() string {
	switch p {
	case Spin:
		return "spin"
	case Backoff:
		return "backoff"
	case Drop:
		return "drop"
	}
	return "unknown"
}

// PushObserver receives producer side outcomes, typically metrics
type PushObserver interface {
	PushRetried()
	PushDropped()
}

// Producer wraps the producing end of a ring with a full-buffer policy. It
// must only be used from the single producer goroutine.
type Producer[T any] struct {
	ring       *Ring[T]
	policy     Policy
	maxRetries int
	delay      time.Duration
	observer   PushObserver
}

// NewProducer returns a producer for ring. maxRetries and delay are only used
// by the Backoff policy.
func NewProducer[T any](ring *Ring[T], policy Policy, maxRetries int, delay time.Duration, observer PushObserver) *Producer[T] {
	return &Producer[T]{
		ring:       ring,
		policy:     policy,
		maxRetries: maxRetries,
		delay:      delay,
		observer:   observer,
	}
}

// Ring returns the underlying ring
func (p *Producer[T]) Ring() *Ring[T] {
	return p.ring
}

// Push stores item according to the configured policy. ErrDropped means the
// consumer will observe a hole in the stream.
func (p *Producer[T]) Push(ctx context.Context, item T) error {
	if p.ring.TryPush(item) {
		return nil
	}
	switch p.policy {
	case Spin:
		for !p.ring.TryPush(item) {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.retried()
			runtime.Gosched()
		}
		return nil
	case Backoff:
		t := time.NewTimer(p.delay)
		defer t.Stop()
		for i := 0; i < p.maxRetries; i++ {
			p.retried()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			if p.ring.TryPush(item) {
				return nil
			}
			t.Reset(p.delay)
		}
	}
	if p.observer != nil {
		p.observer.PushDropped()
	}
	return ErrDropped
}

func (p *Producer[T]) retried() {
	if p.observer != nil {
		p.observer.PushRetried()
	}
}

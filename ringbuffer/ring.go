package ringbuffer

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrCapacityNotPowerOfTwo is returned when a ring is constructed with a
	// capacity that cannot be masked.
	ErrCapacityNotPowerOfTwo = errors.New("ring capacity must be a power of two")
	errCapacityTooSmall      = errors.New("ring capacity must be at least 2")
)

// Ring is a fixed capacity single producer, single consumer queue. One slot is
// always left unused so full and empty can be told apart from the indices
// alone, so a ring of capacity N holds at most N-1 items.
//
// Exactly one goroutine may call TryPush and exactly one goroutine may call
// TryPop/TryPeek. Size, Empty, Capacity and the readiness flag are safe from
// anywhere.
type Ring[T any] struct {
	// write is only advanced by the producer
	write atomic.Uint64
	_     [56]byte
	// read is only advanced by the consumer
	read atomic.Uint64
	_    [56]byte

	ready atomic.Bool

	buf  []T
	mask uint64
}

// New returns a ring with the supplied capacity
func New[T any](capacity int) (*Ring[T], error) {
	if capacity < 2 {
		return nil, fmt.Errorf("%w: got %d", errCapacityTooSmall, capacity)
	}
	if capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrCapacityNotPowerOfTwo, capacity)
	}
	return &Ring[T]{
		buf:  make([]T, capacity),
		mask: uint64(capacity - 1),
	}, nil
}

// TryPush stores item at the tail. It returns false without blocking when the
// ring is full.
func (r *Ring[T]) TryPush(item T) bool {
	w := r.write.Load()
	next := (w + 1) & r.mask
	// The consumer publishes read after it has finished copying the slot out,
	// so observing the new value here means the slot is free to overwrite.
	if next == r.read.Load() {
		return false
	}
	r.buf[w] = item
	r.write.Store(next)
	return true
}

// TryPop removes the oldest item into dst. It returns false when the ring is
// empty, leaving dst untouched.
func (r *Ring[T]) TryPop(dst *T) bool {
	rd := r.read.Load()
	if rd == r.write.Load() {
		return false
	}
	*dst = r.buf[rd]
	var zero T
	r.buf[rd] = zero
	r.read.Store((rd + 1) & r.mask)
	return true
}

// TryPeek copies the oldest item into dst without removing it
func (r *Ring[T]) TryPeek(dst *T) bool {
	rd := r.read.Load()
	if rd == r.write.Load() {
		return false
	}
	*dst = r.buf[rd]
	return true
}

// Size returns the number of queued items. The value is a snapshot and may be
// stale by the time it is used.
func (r *Ring[T]) Size() int {
	return int((r.write.Load() - r.read.Load()) & r.mask)
}

// Empty reports whether no items are queued
func (r *Ring[T]) Empty() bool {
	return r.Size() == 0
}

// Capacity returns the number of slots, one of which is never used
func (r *Ring[T]) Capacity() int {
	return len(r.buf)
}

// Ready reports whether the producer has started delivering data
func (r *Ring[T]) Ready() bool {
	return r.ready.Load()
}

// SetReady sets the readiness flag
func (r *Ring[T]) SetReady(state bool) {
	r.ready.Store(state)
}

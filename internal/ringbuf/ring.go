// Package ringbuf implements the lock-free single-producer/
// single-consumer queues shared by the MS/TP driver boundary: a
// generic fixed-record Ring and a byte-oriented ByteRing.
//
// Both track head/tail as atomic.Uint32 counters that wrap via modular
// arithmetic on the native unsigned type, per spec.md section 4.2. The
// producer writes only head; the consumer writes only tail; each reads
// the other's counter. Go's memory model gives atomic loads of a
// value a happens-before edge with the atomic store that produced it,
// which supplies the release/acquire pairing spec.md section 5 asks
// for — no extra fence is needed.
package ringbuf

import (
	"errors"
	"sync/atomic"
)

// ErrFull is returned by Put when the ring has no free slots.
var ErrFull = errors.New("ringbuf: full")

// ErrEmpty is returned by Pop/Peek when the ring holds no elements.
var ErrEmpty = errors.New("ringbuf: empty")

// Ring is a fixed-capacity SPSC queue of T, capacity must be a power
// of two. The zero value is not usable; use New.
type Ring[T any] struct {
	buf       []T
	mask      uint32
	head      atomic.Uint32 // producer-owned
	tail      atomic.Uint32 // consumer-owned
	highWater atomic.Uint32
}

// New creates a Ring over a freshly allocated backing array of the
// given power-of-two capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("ringbuf: capacity must be a power of two")
	}
	return &Ring[T]{buf: make([]T, capacity), mask: uint32(capacity - 1)}
}

// Cap returns the ring's fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Len returns the current element count. Safe to call from either
// side; may be stale by the time it returns.
func (r *Ring[T]) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Empty reports whether the ring currently holds no elements.
func (r *Ring[T]) Empty() bool { return r.Len() == 0 }

// Full reports whether the ring currently holds Cap() elements.
func (r *Ring[T]) Full() bool { return r.Len() == len(r.buf) }

// HighWater returns the maximum observed Len(), for diagnostics.
func (r *Ring[T]) HighWater() int { return int(r.highWater.Load()) }

// Put appends v. Called by the producer only.
func (r *Ring[T]) Put(v T) error {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail == uint32(len(r.buf)) {
		return ErrFull
	}
	r.buf[head&r.mask] = v
	r.head.Store(head + 1)
	if n := head - tail + 1; n > r.highWater.Load() {
		r.highWater.Store(n)
	}
	return nil
}

// PutFront pushes v back onto the front of the queue (single-threaded
// use only — it mutates tail, which the consumer otherwise owns
// alone). Used to "unget" a borrowed element.
func (r *Ring[T]) PutFront(v T) error {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail == uint32(len(r.buf)) {
		return ErrFull
	}
	tail--
	r.buf[tail&r.mask] = v
	r.tail.Store(tail)
	return nil
}

// Pop removes and returns the oldest element. Called by the consumer
// only.
func (r *Ring[T]) Pop() (T, error) {
	var zero T
	head := r.head.Load()
	tail := r.tail.Load()
	if head == tail {
		return zero, ErrEmpty
	}
	v := r.buf[tail&r.mask]
	r.tail.Store(tail + 1)
	return v, nil
}

// Peek returns the oldest element without removing it.
func (r *Ring[T]) Peek() (T, error) {
	var zero T
	head := r.head.Load()
	tail := r.tail.Load()
	if head == tail {
		return zero, ErrEmpty
	}
	return r.buf[tail&r.mask], nil
}

// ByteRing is the byte-oriented specialization used as the driver/FSM
// boundary queue: the driver's read loop is the producer, the MS/TP
// framing FSM is the consumer.
type ByteRing struct {
	r *Ring[byte]
}

// NewByteRing creates a ByteRing of the given power-of-two capacity.
func NewByteRing(capacity int) *ByteRing {
	return &ByteRing{r: New[byte](capacity)}
}

// Cap returns the ring's fixed capacity.
func (b *ByteRing) Cap() int { return b.r.Cap() }

// Len returns the current byte count.
func (b *ByteRing) Len() int { return b.r.Len() }

// Empty reports whether the ring currently holds no bytes.
func (b *ByteRing) Empty() bool { return b.r.Empty() }

// Full reports whether the ring currently holds Cap() bytes.
func (b *ByteRing) Full() bool { return b.r.Full() }

// HighWater returns the maximum observed Len(), for diagnostics.
func (b *ByteRing) HighWater() int { return b.r.HighWater() }

// Write appends p to the ring, stopping at the first full slot.
// Returns the number of bytes actually written and ErrFull if any
// were dropped.
func (b *ByteRing) Write(p []byte) (int, error) {
	for i, c := range p {
		if err := b.r.Put(c); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// Read drains up to len(p) bytes into p. Returns the number of bytes
// read; ErrEmpty only when zero bytes were available.
func (b *ByteRing) Read(p []byte) (int, error) {
	for i := range p {
		v, err := b.r.Pop()
		if err != nil {
			if i == 0 {
				return 0, err
			}
			return i, nil
		}
		p[i] = v
	}
	return len(p), nil
}

// ReadByte drains a single byte, the FSM's normal per-octet step.
func (b *ByteRing) ReadByte() (byte, error) { return b.r.Pop() }

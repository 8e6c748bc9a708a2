// Package lockfree implements the ring buffers grid-watcher's hot path
// depends on: an MPMC bounded queue feeding the worker pool, and an SPSC
// ring feeding the async logger. Both are adapted from the sequence-per-slot
// design of the original grid_watcher's PacketQueue (processing/packet_processor.hpp) —
// a producer claims a slot with a CAS on its position counter, writes the
// payload, then publishes the slot's sequence number with a release store;
// a consumer mirrors the same protocol offset by the queue's capacity.
package lockfree

import "sync/atomic"

type mpmcSlot[T any] struct {
	sequence uint64
	value    T
}

// MPMC is a fixed-capacity, multi-producer multi-consumer bounded queue.
// Capacity must be a power of two. Push/Pop never block.
type MPMC[T any] struct {
	mask       uint64
	slots      []mpmcSlot[T]
	enqueuePos uint64
	_          [7]uint64 // pad enqueuePos and dequeuePos onto separate cache lines
	dequeuePos uint64
}

// NewMPMC constructs an MPMC queue of the given capacity, rounded up to the
// next power of two.
func NewMPMC[T any](capacity int) *MPMC[T] {
	cap := nextPowerOfTwo(capacity)
	q := &MPMC[T]{
		mask:  uint64(cap - 1),
		slots: make([]mpmcSlot[T], cap),
	}
	for i := range q.slots {
		q.slots[i].sequence = uint64(i)
	}
	return q
}

// TryPush attempts to enqueue value without blocking. It returns false if
// the queue is full.
func (q *MPMC[T]) TryPush(value T) bool {
	pos := atomic.LoadUint64(&q.enqueuePos)
	for {
		slot := &q.slots[pos&q.mask]
		seq := atomic.LoadUint64(&slot.sequence)
		diff := int64(seq) - int64(pos)

		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&q.enqueuePos, pos, pos+1) {
				slot.value = value
				atomic.StoreUint64(&slot.sequence, pos+1)
				return true
			}
		case diff < 0:
			return false // full
		default:
			pos = atomic.LoadUint64(&q.enqueuePos)
		}
	}
}

// TryPop attempts to dequeue a value without blocking. It returns the zero
// value and false if the queue is empty.
func (q *MPMC[T]) TryPop() (T, bool) {
	pos := atomic.LoadUint64(&q.dequeuePos)
	capacity := q.mask + 1
	for {
		slot := &q.slots[pos&q.mask]
		seq := atomic.LoadUint64(&slot.sequence)
		diff := int64(seq) - int64(pos+1)

		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&q.dequeuePos, pos, pos+1) {
				value := slot.value
				var zero T
				slot.value = zero
				atomic.StoreUint64(&slot.sequence, pos+capacity)
				return value, true
			}
		case diff < 0:
			var zero T
			return zero, false // empty
		default:
			pos = atomic.LoadUint64(&q.dequeuePos)
		}
	}
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

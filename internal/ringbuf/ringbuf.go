// Package ringbuf provides a bounded FIFO ring that evicts its oldest element
// when a push would exceed capacity. It backs the tick cache's sealed-bar
// backlog, where losing the oldest unflushed bar is the defined overflow policy.
package ringbuf

// Ring is a fixed-capacity FIFO with drop-oldest overflow.
// It is not safe for concurrent use; callers serialize access.
type Ring[T any] struct {
	buf  []T
	head uint64 // next write position (monotonic)
	tail uint64 // oldest element position (monotonic)

	// Overflow counter: elements evicted by Push.
	evicted uint64
}

// New creates a ring holding at most capacity elements. Minimum capacity is 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. If the ring is full the oldest element is evicted and
// returned with evicted=true.
func (r *Ring[T]) Push(v T) (old T, evicted bool) {
	size := uint64(len(r.buf))
	if r.head-r.tail >= size {
		old = r.buf[r.tail%size]
		var zero T
		r.buf[r.tail%size] = zero
		r.tail++
		r.evicted++
		evicted = true
	}
	r.buf[r.head%size] = v
	r.head++
	return old, evicted
}

// Peek returns the oldest element without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	if r.tail >= r.head {
		var zero T
		return zero, false
	}
	return r.buf[r.tail%uint64(len(r.buf))], true
}

// Pop removes and returns the oldest element.
func (r *Ring[T]) Pop() (T, bool) {
	v, ok := r.Peek()
	if !ok {
		return v, false
	}
	var zero T
	r.buf[r.tail%uint64(len(r.buf))] = zero
	r.tail++
	return v, true
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	n := r.Len()
	out := make([]T, 0, n)
	size := uint64(len(r.buf))
	for i := r.tail; i < r.head; i++ {
		out = append(out, r.buf[i%size])
	}
	return out
}

// Len returns the current number of items in the ring.
func (r *Ring[T]) Len() int {
	return int(r.head - r.tail)
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Evicted returns the total number of elements dropped by Push.
func (r *Ring[T]) Evicted() uint64 {
	return r.evicted
}

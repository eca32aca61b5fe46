package communicator

import "fmt"

// Default ring buffer sizes.
const (
	defaultBufferCapacity    = 128
	defaultBufferMaxCapacity = 2048
)

// RingBuffer is a growable circular byte buffer that stages raw input
// between arrival and decoding.
//
// It grows on demand up to its max capacity. Once at max capacity, Put
// overwrites the oldest unread bytes instead of failing.
//
// A RingBuffer is not safe for concurrent use. A Connection only touches it
// while holding its I/O lock.
type RingBuffer struct {
	buf         []byte
	head        int
	size        int
	maxCapacity int

	grows      uint64
	overwrites uint64
}

// RingBufferStats counts growth and overwrite events.
type RingBufferStats struct {
	Grows            uint64
	OverwrittenBytes uint64
}

// NewRingBuffer creates a ring buffer with the given initial and maximum
// capacity. Non-positive values fall back to the defaults.
func NewRingBuffer(capacity, maxCapacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}
	if maxCapacity <= 0 {
		maxCapacity = defaultBufferMaxCapacity
	}
	if maxCapacity < capacity {
		maxCapacity = capacity
	}

	return &RingBuffer{
		buf:         make([]byte, capacity),
		maxCapacity: maxCapacity,
	}
}

// Put appends data, growing the backing store if needed and possible.
// When the buffer is at max capacity the oldest bytes are overwritten.
func (r *RingBuffer) Put(data []byte) {
	if r.AvailableSize() < len(data) && len(r.buf) < r.maxCapacity {
		r.grow(r.size + len(data))
	}

	capacity := len(r.buf)
	for len(data) > 0 {
		tail := (r.head + r.size) % capacity
		n := copy(r.buf[tail:], data)
		data = data[n:]

		// Writing past the free room overwrote the oldest bytes at head.
		if overflow := r.size + n - capacity; overflow > 0 {
			r.overwrites += uint64(overflow)
			r.head = (r.head + overflow) % capacity
			r.size = capacity
			continue
		}
		r.size += n
	}
}

// grow reallocates to min(requested, maxCapacity) and linearizes the
// unread content at index 0.
func (r *RingBuffer) grow(requested int) {
	capacity := requested
	if capacity > r.maxCapacity {
		capacity = r.maxCapacity
	}

	next := make([]byte, capacity)
	r.copyOut(next, 0, r.size)
	r.buf = next
	r.head = 0
	r.grows++
}

// copyOut copies length bytes starting at logical offset from into dst.
func (r *RingBuffer) copyOut(dst []byte, from, length int) {
	start := (r.head + from) % len(r.buf)
	n := copy(dst[:length], r.buf[start:])
	if n < length {
		copy(dst[n:length], r.buf)
	}
}

// Peek returns the byte at logical offset i without consuming it.
func (r *RingBuffer) Peek(i int) (byte, error) {
	if i < 0 || i >= r.size {
		return 0, fmt.Errorf("%w: peek %d of %d", ErrOutOfBounds, i, r.size)
	}
	return r.buf[(r.head+i)%len(r.buf)], nil
}

// ReadWithoutConsume returns a copy of the first n bytes and leaves them buffered.
func (r *RingBuffer) ReadWithoutConsume(n int) ([]byte, error) {
	if n < 0 || n > r.size {
		return nil, fmt.Errorf("%w: read %d of %d", ErrOutOfBounds, n, r.size)
	}
	out := make([]byte, n)
	if n > 0 {
		r.copyOut(out, 0, n)
	}
	return out, nil
}

// Read returns a copy of the first n bytes and consumes them.
func (r *RingBuffer) Read(n int) ([]byte, error) {
	out, err := r.ReadWithoutConsume(n)
	if err != nil {
		return nil, err
	}
	return out, r.Consume(n)
}

// Consume discards the first n bytes.
func (r *RingBuffer) Consume(n int) error {
	if n < 0 || n > r.size {
		return fmt.Errorf("%w: consume %d of %d", ErrOutOfBounds, n, r.size)
	}
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	return nil
}

// Clear drops all buffered content.
func (r *RingBuffer) Clear() {
	r.head = 0
	r.size = 0
}

// ContentSize returns the number of unread bytes.
func (r *RingBuffer) ContentSize() int {
	return r.size
}

// AvailableSize returns the free room in the current backing store.
func (r *RingBuffer) AvailableSize() int {
	return len(r.buf) - r.size
}

// Capacity returns the current backing store size.
func (r *RingBuffer) Capacity() int {
	return len(r.buf)
}

// MaxCapacity returns the size the buffer may grow to.
func (r *RingBuffer) MaxCapacity() int {
	return r.maxCapacity
}

// SetMaxCapacity raises the growth limit. It cannot be lowered.
func (r *RingBuffer) SetMaxCapacity(maxCapacity int) error {
	if maxCapacity < r.maxCapacity {
		return fmt.Errorf("%w: cannot reduce max capacity from %d to %d", ErrInvalidCapacity, r.maxCapacity, maxCapacity)
	}
	r.maxCapacity = maxCapacity
	return nil
}

// Stats returns growth and overwrite counters.
func (r *RingBuffer) Stats() RingBufferStats {
	return RingBufferStats{Grows: r.grows, OverwrittenBytes: r.overwrites}
}

// headIndex is exposed to tests.
func (r *RingBuffer) headIndex() int {
	return r.head
}

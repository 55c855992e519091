package audio

import "sync"

// Ring is a fixed-capacity byte buffer that never blocks the writer. When a
// write does not fit, the oldest buffered bytes are discarded so the most
// recent audio is kept.
type Ring struct {
	mu         sync.Mutex
	buf        []byte
	head, tail int64
	dropped    int64
}

// NewRing creates a ring holding at most size bytes.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{buf: make([]byte, size)}
}

// Write appends p and returns how many previously buffered or incoming
// bytes were discarded to make room.
func (r *Ring) Write(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := int64(len(r.buf))
	n := int64(len(p))
	if n == 0 {
		return 0
	}

	if n >= size {
		// Only the newest size bytes survive.
		dropped := (r.tail - r.head) + (n - size)
		copy(r.buf, p[n-size:])
		r.head, r.tail = 0, size
		r.dropped += dropped
		return int(dropped)
	}

	var dropped int64
	if overflow := (r.tail - r.head) + n - size; overflow > 0 {
		r.head += overflow
		dropped = overflow
		r.dropped += overflow
	}

	tail := int(r.tail % size)
	wn := copy(r.buf[tail:], p)
	copy(r.buf, p[wn:])
	r.tail += n
	return int(dropped)
}

// Read moves up to len(p) buffered bytes into p. It returns 0 when empty.
func (r *Ring) Read(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	avail := int(r.tail - r.head)
	if avail == 0 || len(p) == 0 {
		return 0
	}
	if len(p) > avail {
		p = p[:avail]
	}
	head := int(r.head % int64(len(r.buf)))
	n := copy(p, r.buf[head:])
	n += copy(p[n:], r.buf[:len(p)-n])
	r.head += int64(n)
	return n
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.tail - r.head)
}

// Cap returns the capacity in bytes.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Reset discards everything buffered.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.tail = 0, 0
}

// Dropped returns the total number of bytes discarded on overflow.
func (r *Ring) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Package audio captures microphone samples into a ring buffer and writes
// segment slices as WAV files for muxing.
package audio

import "sync"

// Ring is a mutex-guarded circular store of mono 16-bit samples. Writers
// overwrite the oldest samples once full.
type Ring struct {
	mu    sync.Mutex
	buf   []int16
	head  int // next write position
	count int // valid samples, <= len(buf)
	total uint64
}

// NewRing creates a ring holding up to capacity samples.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]int16, capacity)}
}

// Write appends samples, evicting the oldest when the ring is full.
func (r *Ring) Write(samples []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total += uint64(len(samples))
	// only the newest len(buf) samples can survive
	if len(samples) > len(r.buf) {
		samples = samples[len(samples)-len(r.buf):]
	}
	for _, s := range samples {
		r.buf[r.head] = s
		r.head = (r.head + 1) % len(r.buf)
	}
	r.count += len(samples)
	if r.count > len(r.buf) {
		r.count = len(r.buf)
	}
}

// Len returns the number of buffered samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the ring capacity in samples.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Total returns the number of samples ever written.
func (r *Ring) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Snapshot copies the buffered samples, oldest first, without consuming them.
func (r *Ring) Snapshot() []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

// Drain copies the buffered samples, oldest first, and empties the ring so
// the next drain only returns audio recorded after this one.
func (r *Ring) Drain() []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.copyLocked()
	r.count = 0
	return out
}

func (r *Ring) copyLocked() []int16 {
	out := make([]int16, r.count)
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	n := copy(out, r.buf[start:])
	if n < r.count {
		copy(out[n:], r.buf[:r.count-n])
	}
	return out
}

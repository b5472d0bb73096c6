// Package ringbuf provides a fixed-capacity circular buffer of float64
// samples with O(1) rolling sum and variance, used for error-rate
// baselines and short recent-average windows.
package ringbuf

import "math"

// Ring is a fixed-size circular buffer. Pushing into a full ring evicts
// the oldest sample. Sum and sum-of-squares are maintained incrementally
// so Mean and StdDev are O(1).
//
// Ring is not safe for concurrent use; callers hold their own locks.
type Ring struct {
	buf   []float64
	head  int
	n     int
	sum   float64
	sumSq float64
}

func New(capacity int) *Ring {
	if capacity <= 0 {
		panic("ringbuf: capacity must be positive")
	}
	return &Ring{buf: make([]float64, capacity)}
}

// Push appends v, evicting the oldest sample when full.
func (r *Ring) Push(v float64) {
	if r.n == len(r.buf) {
		old := r.buf[r.head]
		r.sum -= old
		r.sumSq -= old * old
	} else {
		r.n++
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	r.sum += v
	r.sumSq += v * v
}

func (r *Ring) Len() int { return r.n }

func (r *Ring) Cap() int { return len(r.buf) }

func (r *Ring) Full() bool { return r.n == len(r.buf) }

func (r *Ring) Sum() float64 { return r.sum }

func (r *Ring) Mean() float64 {
	if r.n == 0 {
		return 0
	}
	return r.sum / float64(r.n)
}

// StdDev returns the population standard deviation. Floating point drift
// can push the variance slightly negative; it is clamped at zero.
func (r *Ring) StdDev() float64 {
	if r.n == 0 {
		return 0
	}
	mean := r.Mean()
	variance := r.sumSq/float64(r.n) - mean*mean
	return math.Sqrt(math.Max(0, variance))
}

// Reset drops all samples without reallocating.
func (r *Ring) Reset() {
	r.head = 0
	r.n = 0
	r.sum = 0
	r.sumSq = 0
}

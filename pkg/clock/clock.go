// Package clock abstracts wall-clock access so that windowing, cooldown and
// watchdog logic can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time. The real implementation delegates to
// time.Now; tests use a Manual clock.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by the system clock.
type Real struct{}

func New() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

// Manual is a Clock whose time only moves when told to. Safe for
// concurrent use.
type Manual struct {
	mtx sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set jumps the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.now = t
}

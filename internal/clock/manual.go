package clock

import (
	"slices"
	"sync"
	"time"
)

// Manual only moves when a test moves it. Channels handed out by After are
// delivered from Advance or Set once their deadline is reached.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	due time.Time
	ch  chan time.Time
}

// NewManual returns a Manual reading start (in UTC).
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After registers a waiter d into the future. d <= 0 is delivered at once.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{due: m.now.Add(d), ch: ch})
	return ch
}

func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d (negative d counts as zero) and
// releases every waiter that is now due.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveTo(m.now.Add(max(d, 0)))
}

// Set jumps to t. Jumping backwards releases nothing.
func (m *Manual) Set(t time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveTo(t.UTC())
}

func (m *Manual) moveTo(t time.Time) time.Time {
	m.now = t
	m.waiters = slices.DeleteFunc(m.waiters, func(w waiter) bool {
		if w.due.After(t) {
			return false
		}
		w.ch <- t
		return true
	})
	return t
}

// Pending reports how many After channels have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

package clock

import (
	"sync"
	"time"
)

// Mock is a Clock for tests with manually controlled time. Waiters created
// by After fire when Advance moves the clock past their deadline.
type Mock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
	fired    bool
}

// NewMock returns a Mock set to the given time.
func NewMock(t time.Time) *Mock {
	return &Mock{current: t}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *Mock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &waiter{
		deadline: m.current.Add(d),
		ch:       make(chan time.Time, 1),
	}
	if d <= 0 {
		w.fired = true
		w.ch <- m.current
	}
	m.waiters = append(m.waiters, w)
	return w.ch
}

// Advance moves the clock forward and fires any elapsed waiters.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
	for _, w := range m.waiters {
		if !w.fired && !m.current.Before(w.deadline) {
			w.fired = true
			select {
			case w.ch <- m.current:
			default:
			}
		}
	}
}

// Set jumps the clock to an absolute time and fires elapsed waiters.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if t.After(cur) {
		m.Advance(t.Sub(cur))
	}
}

// Pending returns the number of waiters that have not fired yet. Tests use
// it to assert a wait is actually in progress.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.waiters {
		if !w.fired {
			n++
		}
	}
	return n
}

// Package clock abstracts wall time so debounce windows, expiries and
// polling can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is the subset of *time.Timer used by callers of AfterFunc.
type Timer interface {
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Manual only moves when Advance or Set is called. Timers whose deadline is
// reached fire synchronously on the advancing goroutine, in deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int64
	timers map[int64]*manualTimer
}

type manualTimer struct {
	clock    *Manual
	id       int64
	deadline time.Time
	fn       func()
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, timers: make(map[int64]*manualTimer)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{clock: m, id: m.seq, deadline: m.now.Add(d), fn: f}
	m.timers[t.id] = t
	return t
}

// Pending reports how many timers have not fired or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

func (m *Manual) Set(now time.Time) {
	m.mu.Lock()
	m.now = now
	due := make([]*manualTimer, 0)
	for id, t := range m.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
			delete(m.timers, id)
		}
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, t := range due {
		t.fn()
	}
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.timers[t.id]; !ok {
		return false
	}
	delete(t.clock.timers, t.id)
	return true
}

// Package clock abstracts wall-clock reads and timers so that debounce,
// backoff and retry windows can be tested deterministically.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the subset of the time package used by the engine.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed. d <= 0 fires immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NowMillis is Now in Unix milliseconds.
func NowMillis(c Clock) int64 { return c.Now().UnixMilli() }

// Fake is a manually advanced Clock for tests. Waiters registered with After
// fire, in deadline order, when Advance moves time past their deadline.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake returns a Fake clock starting at initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// After registers a waiter that fires on Advance.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.current
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{deadline: f.current.Add(d), ch: ch})
	return ch
}

// Advance moves time forward by d and fires every due waiter.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.current = f.current.Add(d)
	now := f.current
	sort.Slice(f.waiters, func(i, j int) bool { return f.waiters[i].deadline.Before(f.waiters[j].deadline) })
	var due []fakeWaiter
	keep := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(now) {
			due = append(due, w)
			continue
		}
		keep = append(keep, w)
	}
	f.waiters = keep
	f.mu.Unlock()
	for _, w := range due {
		w.ch <- now
	}
}

// Set jumps the clock to t, which may be earlier than the current time.
// Waiters are not fired by a backwards jump.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	back := t.Before(f.current)
	delta := t.Sub(f.current)
	if back {
		f.current = t
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.Advance(delta)
}

// Waiters reports how many After calls are still pending.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

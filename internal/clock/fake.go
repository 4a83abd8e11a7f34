package clock

import (
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time stands still until Advance is
// called. With auto-advance enabled, After moves the clock forward by d and
// fires at once, which lets retry loops run to completion without real sleeps.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	auto    bool
	waiters []fakeWaiter
	sleeps  []time.Duration
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake returns a Fake set to initial.
func NewFake(initial time.Time) *Fake {
	f := &Fake{current: initial}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// NewAutoFake returns a Fake whose After calls advance time themselves.
func NewAutoFake(initial time.Time) *Fake {
	f := NewFake(initial)
	f.auto = true
	return f
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// After registers a waiter that fires once the clock passes now+d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d > 0 {
		f.sleeps = append(f.sleeps, d)
	}
	if d <= 0 {
		ch <- f.current
		return ch
	}
	if f.auto {
		f.current = f.current.Add(d)
		ch <- f.current
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{deadline: f.current.Add(d), ch: ch})
	f.changed.Broadcast()
	return ch
}

// Advance moves the clock forward and fires every waiter now due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.current = f.current.Add(d)
	pending := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(f.current) {
			w.ch <- f.current
			continue
		}
		pending = append(pending, w)
	}
	f.waiters = pending
	f.changed.Broadcast()
}

// Set jumps the clock to t without firing waiters that are not yet due.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	d := t.Sub(f.current)
	f.mu.Unlock()
	if d > 0 {
		f.Advance(d)
	}
}

// BlockUntilWaiters blocks until at least n After calls are pending.
func (f *Fake) BlockUntilWaiters(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.waiters) < n {
		f.changed.Wait()
	}
}

// Sleeps returns every positive duration passed to After, in call order.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}

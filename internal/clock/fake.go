package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Fake is a manually driven Clock. Waiters fire when Set or Add moves the
// time to or past their deadline.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	onWait  func(d time.Duration)
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
	done     bool
}

func NewFake(now time.Time) *Fake { return &Fake{now: now} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// OnWait registers a callback invoked (outside the lock) every time a
// positive wait is registered. Tests use it to auto-advance time.
func (f *Fake) OnWait(fn func(d time.Duration)) {
	f.mu.Lock()
	f.onWait = fn
	f.mu.Unlock()
}

func (f *Fake) After(ctx context.Context, d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	if d <= 0 {
		ch <- f.now
		f.mu.Unlock()
		return ch
	}
	w := &waiter{deadline: f.now.Add(d), ch: ch}
	f.waiters = append(f.waiters, w)
	cb := f.onWait
	f.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			f.mu.Lock()
			defer f.mu.Unlock()
			if !w.done {
				w.done = true
				close(w.ch)
				f.remove(w)
			}
		}()
	}
	if cb != nil {
		cb(d)
	}
	return ch
}

// Waiters returns the number of pending waits.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// BlockUntil polls until at least n waits are pending or timeout elapses.
func (f *Fake) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.Waiters() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return f.Waiters() >= n
}

func (f *Fake) Add(d time.Duration) {
	f.mu.Lock()
	f.setLocked(f.now.Add(d))
	f.mu.Unlock()
}

// Set moves the clock to t. Moving backwards is allowed and fires nothing.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.setLocked(t)
	f.mu.Unlock()
}

func (f *Fake) setLocked(t time.Time) {
	f.now = t
	sort.SliceStable(f.waiters, func(i, j int) bool { return f.waiters[i].deadline.Before(f.waiters[j].deadline) })
	keep := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(t) {
			w.done = true
			w.ch <- t
			continue
		}
		keep = append(keep, w)
	}
	for i := len(keep); i < len(f.waiters); i++ {
		f.waiters[i] = nil
	}
	f.waiters = keep
}

func (f *Fake) remove(target *waiter) {
	for i, w := range f.waiters {
		if w == target {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

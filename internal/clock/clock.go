// Package clock abstracts wall time so the scheduler can be driven
// deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock is the time source used by everything that waits.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives the current time once d has
	// elapsed. The channel is closed without a value if ctx is done first.
	After(ctx context.Context, d time.Duration) <-chan time.Time
}

// System returns the real wall clock.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(ctx context.Context, d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- time.Now()
		return ch
	}
	t := time.NewTimer(d)
	go func() {
		select {
		case now := <-t.C:
			ch <- now
		case <-ctx.Done():
			t.Stop()
			close(ch)
		}
	}()
	return ch
}

// Sleep waits for d on c. It returns ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	select {
	case _, ok := <-c.After(ctx, d):
		if !ok {
			return ctx.Err()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestFakeFiresAtDeadline(t *testing.T) {
	t.Parallel()

	f := NewFake(epoch)
	ch := f.After(context.Background(), time.Minute)
	if f.Waiters() != 1 {
		t.Fatalf("Waiters() = %d, want 1", f.Waiters())
	}

	f.Add(59 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	f.Add(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(epoch.Add(time.Minute)) {
			t.Fatalf("fired with %v, want %v", got, epoch.Add(time.Minute))
		}
	default:
		t.Fatal("did not fire at deadline")
	}
	if f.Waiters() != 0 {
		t.Fatalf("Waiters() = %d after fire, want 0", f.Waiters())
	}
}

func TestFakeNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	f := NewFake(epoch)
	select {
	case <-f.After(context.Background(), 0):
	default:
		t.Fatal("zero wait did not fire immediately")
	}
}

func TestFakeCancelClosesChannel(t *testing.T) {
	t.Parallel()

	f := NewFake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	ch := f.After(ctx, time.Hour)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("received a value, want closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if !waitFor(func() bool { return f.Waiters() == 0 }) {
		t.Fatalf("Waiters() = %d after cancel, want 0", f.Waiters())
	}
}

func TestFakeOnWaitAutoAdvance(t *testing.T) {
	t.Parallel()

	f := NewFake(epoch)
	f.OnWait(func(d time.Duration) { go f.Add(d) })

	if err := Sleep(context.Background(), f, 5*time.Second); err != nil {
		t.Fatalf("Sleep() = %v", err)
	}
	if got := f.Now(); !got.Equal(epoch.Add(5 * time.Second)) {
		t.Fatalf("Now() = %v, want %v", got, epoch.Add(5*time.Second))
	}
}

func TestSleepSystemCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, System(), time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep() = %v, want context.Canceled", err)
	}
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

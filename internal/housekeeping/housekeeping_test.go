package housekeeping

import (
	"context"
	"errors"
	"testing"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
)

func seed(t *testing.T, s *storage.Memory, at time.Time, next reminder.Status) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := s.Insert(ctx, reminder.Reminder{ChatID: 1, DueAt: at, Text: "x", CreatedAt: at})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if next != reminder.StatusPending {
		if ok, err := s.UpdateStatus(ctx, reminder.Update{ID: id, Expected: reminder.StatusPending, Next: next, At: at}); !ok || err != nil {
			t.Fatalf("UpdateStatus: %v %v", ok, err)
		}
	}
	return id
}

func TestRunOncePrunesOldTerminal(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	old := now.Add(-40 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	store := storage.NewMemory()
	oldSent := seed(t, store, old, reminder.StatusSent)
	oldCancelled := seed(t, store, old, reminder.StatusCancelled)
	oldPending := seed(t, store, old, reminder.StatusPending)
	recentSent := seed(t, store, recent, reminder.StatusSent)

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	svc, err := New(Config{Retention: 30 * 24 * time.Hour}, store, Options{Clock: clock.NewFake(now), Bus: bus})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned %d, want 2", n)
	}
	ctx := context.Background()
	for _, id := range []int64{oldSent, oldCancelled} {
		if _, err := store.Get(ctx, id); !errors.Is(err, reminder.ErrNotFound) {
			t.Fatalf("reminder %d survived: %v", id, err)
		}
	}
	for _, id := range []int64{oldPending, recentSent} {
		if _, err := store.Get(ctx, id); err != nil {
			t.Fatalf("reminder %d was pruned: %v", id, err)
		}
	}
	select {
	case e := <-events:
		if e.Type != eventbus.RemindersPruned || e.Count != 2 {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatal("no pruned event")
	}
}

func TestDisabledWithoutRetention(t *testing.T) {
	t.Parallel()

	svc, err := New(Config{}, storage.NewMemory(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if svc.Enabled() {
		t.Fatal("Enabled() = true without retention")
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := svc.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce on disabled service succeeded")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	svc, err := New(Config{Schedule: "@every 1h", Retention: time.Hour}, storage.NewMemory(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()

	for _, spec := range []string{"", "@daily", "@every 6h", "0 3 * * *", "0 0 3 * * *"} {
		if err := ValidateSchedule(spec); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v", spec, err)
		}
	}
	for _, spec := range []string{"daily", "61 * * * *", "@every soon"} {
		if err := ValidateSchedule(spec); err == nil {
			t.Errorf("ValidateSchedule(%q) = nil, want error", spec)
		}
	}
	if _, err := New(Config{Schedule: "bogus"}, nil, Options{}); err == nil {
		t.Fatal("New accepted bogus schedule")
	}
}

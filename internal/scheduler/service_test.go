package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
)

func TestCreateThenList(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	due := t0.Add(90 * time.Second)
	id := h.create(t, 1, due, "water")
	h.create(t, 2, due, "other chat")

	got, err := h.svc.List(context.Background(), 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("List() = %d reminders, want 1", len(got))
	}
	r := got[0]
	if r.ID != id || r.Text != "water" || !r.DueAt.Equal(due) || r.Status != reminder.StatusPending {
		t.Fatalf("List()[0] = %+v", r)
	}
}

func TestCreateRoundsDueUpToSecond(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	id := h.create(t, 1, t0.Add(1500*time.Millisecond), "x")
	if got := h.status(t, id).DueAt; !got.Equal(t0.Add(2 * time.Second)) {
		t.Fatalf("due = %v, want %v", got, t0.Add(2*time.Second))
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		due  time.Time
		text string
	}{
		{name: "past", due: t0.Add(-time.Minute), text: "late"},
		{name: "now", due: t0, text: "now"},
		{name: "empty text", due: t0.Add(time.Minute), text: ""},
		{name: "blank text", due: t0.Add(time.Minute), text: " \n\t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{})
			_, err := h.svc.Create(context.Background(), 1, tt.due, tt.text)
			if !errors.Is(err, reminder.ErrInvalidRequest) {
				t.Fatalf("Create() = %v, want ErrInvalidRequest", err)
			}
			if got, _ := h.svc.List(context.Background(), 1); len(got) != 0 {
				t.Fatalf("invalid request stored %d reminders", len(got))
			}
		})
	}
}

func TestCreateSurfacesStorageError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.store.FailNext("insert", 1, errors.New("disk gone"))
	_, err := h.svc.Create(context.Background(), 1, t0.Add(time.Minute), "x")
	if !reminder.IsStorage(err) {
		t.Fatalf("Create() = %v, want storage error", err)
	}
}

func TestRunOnceFiresExactlyOnceAtDue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	due := t0.Add(5 * time.Second)
	id := h.create(t, 1, due, "water")

	if c := h.runOnce(t); c.Sent != 0 {
		t.Fatalf("sent %d before due", c.Sent)
	}
	h.clock.Set(due.Add(-time.Nanosecond))
	if c := h.runOnce(t); c.Sent != 0 {
		t.Fatalf("sent %d a nanosecond before due", c.Sent)
	}

	h.clock.Set(due)
	if c := h.runOnce(t); c.Sent != 1 {
		t.Fatalf("cycle at due sent %d, want 1", c.Sent)
	}
	for i := 0; i < 3; i++ {
		h.clock.Add(time.Minute)
		h.runOnce(t)
	}

	want := []sendCall{{chatID: 1, text: "water"}}
	if diff := cmp.Diff(want, h.n.Calls(), cmp.AllowUnexported(sendCall{})); diff != "" {
		t.Fatalf("sends mismatch (-want +got):\n%s", diff)
	}
	r := h.status(t, id)
	if r.Status != reminder.StatusSent || r.Attempts != 1 {
		t.Fatalf("status = %s attempts=%d, want SENT attempts=1", r.Status, r.Attempts)
	}
}

func TestCancelBeforeDuePreventsSend(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	id := h.create(t, 1, t0.Add(time.Minute), "nope")
	ok, err := h.svc.Cancel(context.Background(), id, 1)
	if err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v; want true, nil", ok, err)
	}
	if got, _ := h.svc.List(context.Background(), 1); len(got) != 0 {
		t.Fatalf("List() after cancel = %+v", got)
	}

	h.clock.Add(time.Hour)
	h.runOnce(t)
	if calls := h.n.Calls(); len(calls) != 0 {
		t.Fatalf("cancelled reminder sent: %+v", calls)
	}

	var types []eventbus.Type
	for _, e := range drain(events) {
		types = append(types, e.Type)
	}
	if diff := cmp.Diff([]eventbus.Type{eventbus.ReminderCreated, eventbus.ReminderCancelled}, types); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestCancelNoops(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	sent := h.create(t, 1, t0.Add(time.Second), "sent")
	h.clock.Add(time.Second)
	h.runOnce(t)

	cancelled := h.create(t, 1, t0.Add(time.Hour), "cancelled")
	if ok, _ := h.svc.Cancel(ctx, cancelled, 1); !ok {
		t.Fatal("first cancel failed")
	}
	foreign := h.create(t, 2, t0.Add(time.Hour), "someone else's")

	tests := []struct {
		name   string
		id     int64
		chatID int64
		want   reminder.Status
	}{
		{name: "already sent", id: sent, chatID: 1, want: reminder.StatusSent},
		{name: "already cancelled", id: cancelled, chatID: 1, want: reminder.StatusCancelled},
		{name: "wrong owner", id: foreign, chatID: 1, want: reminder.StatusPending},
		{name: "missing", id: 999, chatID: 1},
	}
	for _, tt := range tests {
		ok, err := h.svc.Cancel(ctx, tt.id, tt.chatID)
		if err != nil || ok {
			t.Errorf("%s: Cancel() = %v, %v; want false, nil", tt.name, ok, err)
			continue
		}
		if tt.want == "" {
			continue
		}
		if got := h.status(t, tt.id).Status; got != tt.want {
			t.Errorf("%s: status = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestCancelAfterClaimIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	id := h.create(t, 1, t0.Add(time.Second), "claimed")
	if ok, err := h.store.UpdateStatus(context.Background(), reminder.Update{ID: id, Expected: reminder.StatusPending, Next: reminder.StatusSending}); err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	if ok, err := h.svc.Cancel(context.Background(), id, 1); err != nil || ok {
		t.Fatalf("Cancel() after claim = %v, %v; want false, nil", ok, err)
	}
}

func TestCancelSurfacesStorageError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	id := h.create(t, 1, t0.Add(time.Minute), "x")
	h.store.FailNext("get", 1, errors.New("io"))
	if _, err := h.svc.Cancel(context.Background(), id, 1); !reminder.IsStorage(err) {
		t.Fatalf("Cancel() = %v, want storage error", err)
	}
}

func TestSameDueFiresInIDOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	due := t0.Add(time.Minute)
	for _, text := range []string{"first", "second", "third"} {
		h.create(t, 1, due, text)
	}
	h.clock.Set(due)
	h.runOnce(t)

	want := []sendCall{{1, "first"}, {1, "second"}, {1, "third"}}
	if diff := cmp.Diff(want, h.n.Calls(), cmp.AllowUnexported(sendCall{})); diff != "" {
		t.Fatalf("delivery order mismatch (-want +got):\n%s", diff)
	}
}

func TestRetryThenSent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Delivery: DeliveryConfig{RetryMax: 3}})
	h.autoAdvance()
	h.n.fn = func(ctx context.Context, call int, chatID int64, text string) error {
		if call < 2 {
			return errors.New("telegram hiccup")
		}
		return nil
	}

	id := h.create(t, 1, t0.Add(time.Second), "retry me")
	h.clock.Add(time.Second)
	c := h.runOnce(t)
	if c.Sent != 1 || c.Failed != 0 {
		t.Fatalf("cycle = %+v, want one sent", c)
	}
	r := h.status(t, id)
	if r.Status != reminder.StatusSent || r.Attempts != 3 {
		t.Fatalf("status = %s attempts=%d, want SENT attempts=3", r.Status, r.Attempts)
	}
}

func TestRetryExhaustedMarksFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Delivery: DeliveryConfig{RetryMax: 2}})
	h.autoAdvance()
	events, unsub := h.bus.Subscribe(16)
	defer unsub()
	h.n.fn = func(ctx context.Context, call int, chatID int64, text string) error {
		return errors.New("down")
	}

	id := h.create(t, 1, t0.Add(time.Second), "doomed")
	h.clock.Add(time.Second)
	if c := h.runOnce(t); c.Failed != 1 {
		t.Fatalf("cycle = %+v, want one failed", c)
	}
	if got := len(h.n.Calls()); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if r := h.status(t, id); r.Status != reminder.StatusFailed || r.Attempts != 3 {
		t.Fatalf("status = %s attempts=%d, want FAILED attempts=3", r.Status, r.Attempts)
	}

	// A failed reminder is never picked up again.
	h.clock.Add(time.Hour)
	h.runOnce(t)
	if got := len(h.n.Calls()); got != 3 {
		t.Fatalf("attempts after later cycle = %d, want 3", got)
	}

	var failed int
	for _, e := range drain(events) {
		if e.Type == eventbus.ReminderFailed && e.ReminderID == id {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("reminder.failed events = %d, want 1", failed)
	}
	if snap := h.svc.Snapshot(); snap.Failed != 1 {
		t.Fatalf("Snapshot().Failed = %d, want 1", snap.Failed)
	}
}

func TestPermanentErrorStopsRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Delivery: DeliveryConfig{RetryMax: 5}})
	h.autoAdvance()
	h.n.fn = func(ctx context.Context, call int, chatID int64, text string) error {
		return notifier.Permanent(errors.New("bot was blocked by the user"))
	}

	id := h.create(t, 1, t0.Add(time.Second), "blocked")
	h.clock.Add(time.Second)
	h.runOnce(t)
	if got := len(h.n.Calls()); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if r := h.status(t, id); r.Status != reminder.StatusFailed {
		t.Fatalf("status = %s, want FAILED", r.Status)
	}
}

func TestRetryAfterHintIsHonoured(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Delivery: DeliveryConfig{RetryMax: 1, RetryMaxDelay: time.Minute}})
	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	h.clock.OnWait(func(d time.Duration) {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		go h.clock.Add(d)
	})
	h.n.fn = func(ctx context.Context, call int, chatID int64, text string) error {
		if call == 0 {
			return notifier.RetryAfter(errors.New("flood"), 7*time.Second)
		}
		return nil
	}

	h.create(t, 1, t0.Add(time.Second), "slow down")
	h.clock.Add(time.Second)
	h.runOnce(t)

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]time.Duration{7 * time.Second}, waits); diff != "" {
		t.Fatalf("retry waits mismatch (-want +got):\n%s", diff)
	}
}

func TestSlowChatDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Delivery: DeliveryConfig{Workers: 4, RetryMax: -1}})
	release := make(chan struct{})
	h.n.fn = func(ctx context.Context, call int, chatID int64, text string) error {
		if chatID == 1 {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	h.create(t, 1, t0.Add(time.Second), "stuck")
	h.create(t, 2, t0.Add(time.Second), "free")
	h.clock.Add(time.Second)

	done := make(chan Cycle, 1)
	go func() {
		c, _ := h.svc.RunOnce(context.Background())
		done <- c
	}()

	if got := waitSend(t, h.n); got.chatID != 2 {
		t.Fatalf("first send went to chat %d, want 2", got.chatID)
	}
	close(release)
	select {
	case c := <-done:
		if c.Sent != 2 {
			t.Fatalf("cycle = %+v, want two sent", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not finish")
	}
}

func TestAttemptTimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Delivery: DeliveryConfig{AttemptTimeout: 20 * time.Millisecond, RetryMax: -1}})
	h.n.fn = func(ctx context.Context, call int, chatID int64, text string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	id := h.create(t, 1, t0.Add(time.Second), "hangs")
	h.clock.Add(time.Second)
	if c := h.runOnce(t); c.Failed != 1 {
		t.Fatalf("cycle = %+v, want one failed", c)
	}
	if r := h.status(t, id); r.Status != reminder.StatusFailed {
		t.Fatalf("status = %s, want FAILED", r.Status)
	}
}

func TestNotifierPanicIsContained(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Delivery: DeliveryConfig{RetryMax: -1}})
	h.n.fn = func(ctx context.Context, call int, chatID int64, text string) error {
		if chatID == 1 {
			panic("notifier bug")
		}
		return nil
	}

	bad := h.create(t, 1, t0.Add(time.Second), "boom")
	good := h.create(t, 2, t0.Add(time.Second), "fine")
	h.clock.Add(time.Second)
	c := h.runOnce(t)
	if c.Sent != 1 || c.Failed != 1 {
		t.Fatalf("cycle = %+v, want one sent and one failed", c)
	}
	if st := h.status(t, bad).Status; st != reminder.StatusFailed {
		t.Fatalf("panicking reminder status = %s, want FAILED", st)
	}
	if st := h.status(t, good).Status; st != reminder.StatusSent {
		t.Fatalf("other reminder status = %s, want SENT", st)
	}
}

func TestStoreFailureKeepsReminderPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	id := h.create(t, 1, t0.Add(time.Second), "later")
	h.clock.Add(time.Second)

	h.store.FailNext("list_due", 1, errors.New("locked"))
	if _, err := h.svc.RunOnce(context.Background()); !reminder.IsStorage(err) {
		t.Fatalf("RunOnce() = %v, want storage error", err)
	}
	if st := h.status(t, id).Status; st != reminder.StatusPending {
		t.Fatalf("status after failed cycle = %s, want PENDING", st)
	}

	if c := h.runOnce(t); c.Sent != 1 {
		t.Fatalf("retry cycle = %+v, want one sent", c)
	}
}

func TestRecoverInflight(t *testing.T) {
	t.Parallel()

	tests := []struct {
		policy InflightPolicy
		want   reminder.Status
	}{
		{policy: InflightFail, want: reminder.StatusFailed},
		{policy: InflightRetry, want: reminder.StatusPending},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{InflightOnStart: tt.policy})
			id := h.create(t, 1, t0.Add(time.Second), "interrupted")
			if ok, _ := h.store.UpdateStatus(context.Background(), reminder.Update{ID: id, Expected: reminder.StatusPending, Next: reminder.StatusSending}); !ok {
				t.Fatal("claim failed")
			}

			n, err := h.svc.RecoverInflight(context.Background())
			if err != nil || n != 1 {
				t.Fatalf("RecoverInflight() = %d, %v; want 1, nil", n, err)
			}
			if st := h.status(t, id).Status; st != tt.want {
				t.Fatalf("status = %s, want %s", st, tt.want)
			}
		})
	}
}

func TestConcurrentCallers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan int64, 200)
	for chat := int64(1); chat <= 10; chat++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				id, err := h.svc.Create(ctx, chat, t0.Add(time.Duration(i+1)*time.Minute), fmt.Sprintf("c%d-%d", chat, i))
				if err != nil {
					t.Errorf("Create: %v", err)
					return
				}
				ids <- id
				if _, err := h.svc.List(ctx, chat); err != nil {
					t.Errorf("List: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	close(ids)

	var (
		cancelled sync.Map
		wg2       sync.WaitGroup
	)
	all := make([]int64, 0, 200)
	for id := range ids {
		all = append(all, id)
	}
	for _, id := range all {
		r := h.status(t, id)
		for k := 0; k < 2; k++ {
			wg2.Add(1)
			go func() {
				defer wg2.Done()
				ok, err := h.svc.Cancel(ctx, r.ID, r.ChatID)
				if err != nil {
					t.Errorf("Cancel: %v", err)
				}
				if ok {
					if _, dup := cancelled.LoadOrStore(r.ID, true); dup {
						t.Errorf("reminder %d cancelled twice", r.ID)
					}
				}
			}()
		}
	}
	wg2.Wait()

	for chat := int64(1); chat <= 10; chat++ {
		if got, _ := h.svc.List(ctx, chat); len(got) != 0 {
			t.Fatalf("chat %d still has %d pending", chat, len(got))
		}
	}
}

func TestLateSuccessIsNotResent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Delivery: DeliveryConfig{AttemptTimeout: 20 * time.Millisecond, RetryMax: 2}})
	h.n.fn = func(ctx context.Context, call int, chatID int64, text string) error {
		// Like a transport that only checks ctx between API calls.
		time.Sleep(40 * time.Millisecond)
		return nil
	}

	id := h.create(t, 1, t0.Add(time.Second), "slow but delivered")
	h.clock.Add(time.Second)
	if c := h.runOnce(t); c.Sent != 1 || c.Failed != 0 {
		t.Fatalf("cycle = %+v, want one sent", c)
	}
	if got := len(h.n.Calls()); got != 1 {
		t.Fatalf("Send called %d times, want 1", got)
	}
	if st := h.status(t, id).Status; st != reminder.StatusSent {
		t.Fatalf("status = %s, want SENT", st)
	}
}

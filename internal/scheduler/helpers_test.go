package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type sendCall struct {
	chatID int64
	text   string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []sendCall
	sent  chan sendCall
	fn    func(ctx context.Context, call int, chatID int64, text string) error
}

func newFakeNotifier() *fakeNotifier { return &fakeNotifier{sent: make(chan sendCall, 128)} }

func (f *fakeNotifier) Send(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, sendCall{chatID: chatID, text: text})
	fn := f.fn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, n, chatID, text); err != nil {
			return err
		}
	}
	f.sent <- sendCall{chatID: chatID, text: text}
	return nil
}

func (f *fakeNotifier) Calls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.calls...)
}

type harness struct {
	svc   *Service
	store *storage.Memory
	clock *clock.Fake
	bus   *eventbus.Memory
	n     *fakeNotifier
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.Delivery.RetryJitter == 0 {
		cfg.Delivery.RetryJitter = -1
	}
	h := &harness{
		store: storage.NewMemory(),
		clock: clock.NewFake(t0),
		bus:   eventbus.New(),
		n:     newFakeNotifier(),
	}
	h.svc = New(cfg, h.store, h.n, Options{
		Clock: h.clock,
		Bus:   h.bus,
		Log:   logx.Nop(),
		Rand:  rand.New(rand.NewSource(1)),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.svc.Stop(ctx)
	})
	return h
}

// autoAdvance makes every clock wait complete immediately.
func (h *harness) autoAdvance() {
	h.clock.OnWait(func(d time.Duration) { go h.clock.Add(d) })
}

func (h *harness) create(t *testing.T, chatID int64, due time.Time, text string) int64 {
	t.Helper()
	id, err := h.svc.Create(context.Background(), chatID, due, text)
	if err != nil {
		t.Fatalf("Create(%d, %v, %q): %v", chatID, due, text, err)
	}
	return id
}

func (h *harness) status(t *testing.T, id int64) reminder.Reminder {
	t.Helper()
	r, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return r
}

func (h *harness) runOnce(t *testing.T) Cycle {
	t.Helper()
	c, err := h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	return c
}

func waitSend(t *testing.T, n *fakeNotifier) sendCall {
	t.Helper()
	select {
	case c := <-n.sent:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a send")
		return sendCall{}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func drain(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

// advanceUntilSend steps the fake clock until a send is recorded or the
// clock has moved limit past t0. The worker may read Now before registering
// its wait, so a single jump could land before the wait exists.
func advanceUntilSend(t *testing.T, h *harness, step, limit time.Duration) sendCall {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case c := <-h.n.sent:
			return c
		case <-time.After(5 * time.Millisecond):
		}
		if h.clock.Now().Sub(t0) < limit {
			h.clock.Add(step)
		}
	}
	t.Fatal("timed out waiting for a send")
	return sendCall{}
}

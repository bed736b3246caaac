package notifier

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

func TestPermanent(t *testing.T) {
	t.Parallel()

	base := errors.New("blocked")
	err := fmt.Errorf("send: %w", Permanent(base))
	if !IsPermanent(err) {
		t.Fatal("IsPermanent() = false for wrapped permanent error")
	}
	if !errors.Is(err, base) {
		t.Fatal("Permanent must unwrap to the cause")
	}
	if IsPermanent(base) {
		t.Fatal("plain error reported as permanent")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) != nil")
	}
}

func TestRetryAfterHint(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("send: %w", RetryAfter(errors.New("flood"), 3*time.Second))
	d, ok := RetryAfterHint(err)
	if !ok || d != 3*time.Second {
		t.Fatalf("RetryAfterHint() = %v, %v; want 3s, true", d, ok)
	}
	if _, ok := RetryAfterHint(errors.New("x")); ok {
		t.Fatal("hint reported for plain error")
	}
	if d, _ := RetryAfterHint(RetryAfter(errors.New("x"), -time.Second)); d != 0 {
		t.Fatalf("negative hint = %v, want 0", d)
	}
}

func TestNames(t *testing.T) {
	t.Parallel()

	n := NewNames()
	if got := n.Get(1); got != DefaultName {
		t.Fatalf("Get() = %q, want default", got)
	}
	n.Set(1, "  Олена ")
	if got := n.Get(1); got != "Олена" {
		t.Fatalf("Get() = %q, want trimmed name", got)
	}
	n.Set(1, "")
	if got := n.Get(1); got != DefaultName {
		t.Fatalf("Get() after reset = %q, want default", got)
	}
}

type fakeSender struct {
	err  error
	sent []string
	opts []*kit.SendOptions
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.sent = append(f.sent, text)
	f.opts = append(f.opts, opt)
	return kit.MessageRef{ChatID: to.ChatID}, f.err
}

func TestTelegramSendFormatsHTML(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	names := NewNames()
	names.Set(42, "Іван")
	n := NewTelegram(TelegramConfig{RatePerSec: 100}, fs, names, logx.Nop())

	if err := n.Send(context.Background(), 42, "купити <молоко>"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := "⏰ <b>Іван</b>, нагадую:\n\nкупити &lt;молоко&gt;"
	if len(fs.sent) != 1 || fs.sent[0] != want {
		t.Fatalf("sent = %q, want %q", fs.sent, want)
	}
	if fs.opts[0].ParseMode != kit.ParseModeHTML {
		t.Fatalf("parse mode = %q, want HTML", fs.opts[0].ParseMode)
	}
}

func TestTelegramClassifiesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "blocked", err: tele.ErrBlockedByUser, permanent: true},
		{name: "chat not found", err: tele.ErrChatNotFound, permanent: true},
		{name: "network", err: errors.New("connection reset"), permanent: false},
		{name: "deadline", err: context.DeadlineExceeded, permanent: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n := NewTelegram(TelegramConfig{RatePerSec: 100}, &fakeSender{err: tt.err}, nil, logx.Nop())
			err := n.Send(context.Background(), 1, "x")
			if err == nil {
				t.Fatal("Send() = nil, want error")
			}
			if got := IsPermanent(err); got != tt.permanent {
				t.Fatalf("IsPermanent(%v) = %v, want %v", err, got, tt.permanent)
			}
		})
	}
}

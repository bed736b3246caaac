package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// Sender is the slice of a chat adapter the Telegram notifier uses.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type TelegramConfig struct {
	// RatePerSec caps outgoing reminder messages across all chats.
	RatePerSec int
}

// Telegram formats reminders as HTML and sends them through a chat adapter.
type Telegram struct {
	sender  Sender
	names   *Names
	limiter *rate.Limiter
	log     logx.Logger
}

func NewTelegram(cfg TelegramConfig, sender Sender, names *Names, log logx.Logger) *Telegram {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	if names == nil {
		names = NewNames()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		sender:  sender,
		names:   names,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log.With(logx.Component("notifier.telegram")),
	}
}

// Format renders the reminder message for chatID.
func (t *Telegram) Format(chatID int64, text string) string {
	return fmt.Sprintf("⏰ <b>%s</b>, нагадую:\n\n%s", html.EscapeString(t.names.Get(chatID)), html.EscapeString(text))
}

func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := t.sender.SendText(ctx, kit.ChatTarget{ChatID: chatID}, t.Format(chatID, text), &kit.SendOptions{
		ParseMode:      kit.ParseModeHTML,
		DisablePreview: true,
	})
	err = classify(err)
	if IsPermanent(err) {
		t.log.Warn("chat unreachable", logx.ChatID(chatID), logx.Err(err))
	}
	return err
}

// classify marks errors that no retry can fix as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return RetryAfter(err, time.Duration(fe.RetryAfter)*time.Second)
	}
	if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrChatNotFound) {
		return Permanent(err)
	}
	var te *tele.Error
	if errors.As(err, &te) && (te.Code == 400 || te.Code == 403) {
		return Permanent(err)
	}
	return err
}

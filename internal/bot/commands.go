package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"remindbot/internal/reminder"
	"remindbot/internal/timeparse"
)

const (
	msgStart        = "🤖 Бот онлайн!"
	msgBoss         = "👑 Гаразд!"
	msgPast         = "❌ Час минув"
	msgCancelled    = "❌ Скасовано"
	msgNothing      = "🤷 Нічого скасовувати"
	msgEmpty        = "📭 Порожньо"
	msgBusy         = "⏳ Зайнято, спробуйте ще раз"
	msgUnknown      = "🤷 Невідома команда. Спробуйте /help"
	msgStoreFailure = "⚠️ Не вдалося виконати, спробуйте пізніше"

	usageRemind = "❌ Формат: <b>/remind 20:30 текст</b> або <b>/remind 2026-01-20 12:00 текст</b>"
	usageIn     = "❌ Формат: <b>/in 15 текст</b> (хвилини) або <b>/in 1h30m текст</b>"
	usageCancel = "❌ Формат: <b>/cancel ID</b>"
	usageBoss   = "❌ Формат: <b>/boss Імʼя</b>"

	listLayout = "2006-01-02 15:04"
)

const helpText = "🤖 <b>My Reminder Bot</b>\n\n" +
	"⏰ <b>/remind 20:30 текст</b> — сьогодні\n" +
	"📅 <b>/remind 2026-01-20 12:00 текст</b>\n" +
	"⏳ <b>/in 15 текст</b> — через 15 хв\n" +
	"📋 <b>/list</b> — всі нагадування\n" +
	"❌ <b>/cancel ID</b>\n" +
	"👑 <b>/boss Імʼя</b>\n" +
	"ℹ️ <b>/help</b>"

func (r *Router) commands() []Command {
	return []Command{
		{Name: "start", Handle: r.cmdStart},
		{Name: "help", Aliases: []string{"h"}, Description: "довідка", Handle: r.cmdHelp},
		{Name: "remind", Description: "нагадати о певний час", Usage: "/remind 20:30 текст", Handle: r.cmdRemind},
		{Name: "in", Description: "нагадати через N хвилин", Usage: "/in 15 текст", Handle: r.cmdIn},
		{Name: "list", Description: "всі нагадування", Handle: r.cmdList},
		{Name: "cancel", Description: "скасувати нагадування", Usage: "/cancel ID", Handle: r.cmdCancel},
		{Name: "boss", Description: "як до вас звертатись", Usage: "/boss Імʼя", Handle: r.cmdBoss},
	}
}

func (r *Router) cmdStart(ctx context.Context, req *Request) error {
	r.reply(ctx, req, msgStart)
	return nil
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	r.reply(ctx, req, helpText)
	return nil
}

func (r *Router) cmdRemind(ctx context.Context, req *Request) error {
	due, text, err := timeparse.Absolute(req.Args, r.clock.Now(), r.cfg.Location)
	if err != nil {
		if errors.Is(err, timeparse.ErrPast) {
			r.reply(ctx, req, msgPast)
		} else {
			r.reply(ctx, req, usageRemind)
		}
		return nil
	}
	return r.create(ctx, req, due, text)
}

func (r *Router) cmdIn(ctx context.Context, req *Request) error {
	due, text, err := timeparse.Relative(req.Args, r.clock.Now())
	if err != nil {
		r.reply(ctx, req, usageIn)
		return nil
	}
	return r.create(ctx, req, due, text)
}

func (r *Router) create(ctx context.Context, req *Request, due time.Time, text string) error {
	id, err := r.sched.Create(ctx, req.Chat.ChatID, due, text)
	switch {
	case errors.Is(err, reminder.ErrInvalidRequest):
		r.reply(ctx, req, msgPast)
		return nil
	case err != nil:
		r.reply(ctx, req, msgStoreFailure)
		return fmt.Errorf("create reminder: %w", err)
	}
	r.reply(ctx, req, fmt.Sprintf("✅ Нагадування #%d", id))
	return nil
}

func (r *Router) cmdList(ctx context.Context, req *Request) error {
	items, err := r.sched.List(ctx, req.Chat.ChatID)
	if err != nil {
		r.reply(ctx, req, msgStoreFailure)
		return fmt.Errorf("list reminders: %w", err)
	}
	r.reply(ctx, req, formatList(items, r.cfg.Location))
	return nil
}

func formatList(items []reminder.Reminder, loc *time.Location) string {
	if len(items) == 0 {
		return msgEmpty
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "#%d ⏰ %s — %s", it.ID, it.DueAt.In(loc).Format(listLayout), html.EscapeString(it.Text))
	}
	return b.String()
}

func (r *Router) cmdCancel(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		r.reply(ctx, req, usageCancel)
		return nil
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(req.Args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		r.reply(ctx, req, usageCancel)
		return nil
	}
	ok, err := r.sched.Cancel(ctx, id, req.Chat.ChatID)
	if err != nil {
		r.reply(ctx, req, msgStoreFailure)
		return fmt.Errorf("cancel reminder %d: %w", id, err)
	}
	if !ok {
		r.reply(ctx, req, msgNothing)
		return nil
	}
	r.reply(ctx, req, msgCancelled)
	return nil
}

func (r *Router) cmdBoss(ctx context.Context, req *Request) error {
	name := strings.TrimSpace(strings.Join(req.Args, " "))
	if name == "" {
		r.reply(ctx, req, usageBoss)
		return nil
	}
	r.names.Set(req.Chat.ChatID, name)
	r.reply(ctx, req, msgBoss)
	return nil
}

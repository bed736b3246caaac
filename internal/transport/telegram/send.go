package telegram

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "remindbot/internal/transport"
)

// textLimit stays under Telegram's 4096 rune cap with room for entities.
const textLimit = 4000

// SendText sends text, split into several messages when too long. The
// returned ref points at the first message.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var so tele.SendOptions
	mode := ""
	if opt != nil {
		mode = opt.ParseMode
		so.ParseMode = tele.ParseMode(opt.ParseMode)
		so.DisableWebPagePreview = opt.DisablePreview
	}
	so.ThreadID = to.ThreadID
	chat := &tele.Chat{ID: to.ChatID}

	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	for i, chunk := range splitText(text, textLimit, mode) {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		m, err := a.bot.Send(chat, chunk, &so)
		if err != nil {
			return ref, err
		}
		if i == 0 {
			ref.MessageID = m.ID
		}
	}
	return ref, nil
}

// splitText cuts s into chunks of at most limit runes. A cut prefers the
// last newline in the back two thirds of a chunk; in HTML mode it never
// lands inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, kit.ParseModeHTML)

	var out []string
	for len(rs) > 0 {
		if len(rs) <= limit {
			out = append(out, string(rs))
			break
		}
		cut := limit
		for i := limit - 1; i >= limit/3; i-- {
			if rs[i] == '\n' {
				cut = i + 1
				break
			}
		}
		if html {
			if open := openTagAt(rs[:cut]); open > 0 {
				cut = open
			}
		}
		out = append(out, strings.TrimRight(string(rs[:cut]), "\n"))
		rs = rs[cut:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return out
}

// openTagAt returns the index of a '<' in rs that has no closing '>', or -1.
func openTagAt(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		switch rs[i] {
		case '>':
			return -1
		case '<':
			return i
		}
	}
	return -1
}

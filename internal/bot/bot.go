// Package bot turns chat commands into scheduler calls and formats the
// replies.
//
// Inbound messages are routed on the dispatch goroutine and handled by a
// bounded worker pool, so a slow store never stalls the poller.
package bot

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/clock"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// Scheduler is the part of the scheduler the commands use.
type Scheduler interface {
	Create(ctx context.Context, chatID int64, dueAt time.Time, text string) (int64, error)
	Cancel(ctx context.Context, id, chatID int64) (bool, error)
	List(ctx context.Context, chatID int64) ([]reminder.Reminder, error)
}

// Namer stores the per-chat greeting name used by /boss.
type Namer interface {
	Set(chatID int64, name string)
}

type Replier interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Config struct {
	Workers        int
	QueueSize      int
	CommandTimeout time.Duration
	// Location is used for HH:MM input and /list output.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 15 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type Request struct {
	Msg     kit.Message
	Chat    kit.ChatTarget
	Command string
	Args    []string
	ReqID   string
	Log     logx.Logger
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Options struct {
	Clock clock.Clock
	Log   logx.Logger
}

type Router struct {
	cfg   Config
	sched Scheduler
	names Namer
	out   Replier
	clock clock.Clock
	log   logx.Logger

	cmds  []Command
	index map[string]*Command

	jobs chan func()

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(cfg Config, sched Scheduler, names Namer, out Replier, opt Options) *Router {
	if opt.Clock == nil {
		opt.Clock = clock.System()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	r := &Router{
		cfg:   cfg,
		sched: sched,
		names: names,
		out:   out,
		clock: opt.Clock,
		log:   opt.Log.With(logx.Component("bot")),
		index: map[string]*Command{},
		jobs:  make(chan func(), cfg.QueueSize),
	}
	r.cmds = r.commands()
	for i := range r.cmds {
		c := &r.cmds[i]
		r.index[c.Name] = c
		for _, a := range c.Aliases {
			r.index[a] = c
		}
	}
	return r
}

// MenuCommands returns the entries published to the chat platform's menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		if c.Description == "" {
			continue
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// DispatchLoop reads messages until ctx is done or in is closed.
func (r *Router) DispatchLoop(ctx context.Context, in <-chan kit.Message) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log))
	r.runMu.Lock()
	r.sup = sup
	r.runMu.Unlock()

	for i := 0; i < r.cfg.Workers; i++ {
		sup.GoRestart("bot.worker."+strconv.Itoa(i), r.worker, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("queue_cap", cap(r.jobs)))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.runMu.Lock()
		r.sup = nil
		r.runMu.Unlock()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			r.Route(ctx, msg)
		}
	}
}

func (r *Router) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-r.jobs:
			job()
		}
	}
}

// Route parses msg and queues its handler. Non-command text is ignored.
func (r *Router) Route(ctx context.Context, msg kit.Message) {
	req, cmd, ok := r.parse(msg)
	if !ok {
		return
	}
	if cmd == nil {
		r.reply(ctx, req, msgUnknown)
		return
	}
	h := Chain(cmd.Handle, MWPanicRecover(), MWRequestLog(), MWTimeout(r.timeout(cmd)))
	select {
	case r.jobs <- func() { _ = h(ctx, req) }:
	default:
		r.reply(ctx, req, msgBusy)
	}
}

// Handle runs msg synchronously on the calling goroutine.
func (r *Router) Handle(ctx context.Context, msg kit.Message) error {
	req, cmd, ok := r.parse(msg)
	if !ok {
		return nil
	}
	if cmd == nil {
		r.reply(ctx, req, msgUnknown)
		return nil
	}
	return Chain(cmd.Handle, MWPanicRecover(), MWRequestLog(), MWTimeout(r.timeout(cmd)))(ctx, req)
}

func (r *Router) timeout(c *Command) time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return r.cfg.CommandTimeout
}

func (r *Router) parse(msg kit.Message) (*Request, *Command, bool) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil, nil, false
	}
	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return nil, nil, false
	}

	rid := uuid.NewString()
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	req := &Request{
		Msg:     msg,
		Chat:    chat,
		Command: word,
		Args:    parts[1:],
		ReqID:   rid,
		Log: r.log.With(
			logx.String("rid", rid),
			logx.ChatID(msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", word),
		),
	}
	return req, r.index[word], true
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	if _, err := r.out.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: kit.ParseModeHTML, DisablePreview: true}); err != nil {
		req.Log.Warn("reply failed", logx.Err(err))
	}
}

package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "remindbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig forwards records at or above MinLevel (default warn) to a
// chat, at most RatePerSec per second.
type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Sender is the part of a chat adapter the Telegram sink needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

const defaultLogFile = "./remindbot.log"

// Service owns the sinks behind every Logger it hands out and swaps them
// atomically on Apply.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu   sync.Mutex
	file *os.File
	tg   *telegramSink
}

// New applies cfg and returns the service with its root Logger. sender may
// be nil, in which case the Telegram sink never starts.
func New(cfg Config, sender Sender) (*Service, Logger) {
	s := &Service{tg: newTelegramSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the sink set. Loggers already handed out pick it up on their
// next record.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	old := s.file
	s.file = nil
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	if s.tg.configure(cfg.Telegram) {
		sinks = append(sinks, s.tg)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&zl)
	if old != nil {
		_ = old.Close()
	}
}

// Dropped counts Telegram records lost to rate limiting or a full queue.
func (s *Service) Dropped() uint64 { return s.tg.dropped.Load() }

// Close stops the Telegram worker after a short drain and closes the file.
func (s *Service) Close() error {
	s.tg.stop(2 * time.Second)

	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

type telegramSink struct {
	sender Sender
	queue  chan tgRecord

	mu       sync.Mutex
	enabled  bool
	to       kit.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	quit      chan struct{}
	dropped   atomic.Uint64
}

type tgRecord struct {
	to   kit.ChatTarget
	text string
}

func newTelegramSink(sender Sender) *telegramSink {
	return &telegramSink{
		sender: sender,
		queue:  make(chan tgRecord, 256),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
}

// configure reports whether the sink should be part of the writer set.
func (t *telegramSink) configure(c TelegramConfig) bool {
	on := c.Enabled && t.sender != nil && c.ChatID != 0
	if c.Enabled && c.ChatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: telegram sink enabled without chat_id; ignoring")
	}
	rps := max(1, c.RatePerSec)

	t.mu.Lock()
	t.enabled = on
	t.to = kit.ChatTarget{ChatID: c.ChatID, ThreadID: c.ThreadID}
	t.minLevel = parseLevel(c.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	t.mu.Unlock()

	if on {
		t.startOnce.Do(func() { go t.run() })
	}
	return on
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

// WriteLevel never blocks the caller; records over the rate or queue are
// dropped and counted.
func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	on, to, minLevel, lim := t.enabled, t.to, t.minLevel, t.limiter
	t.mu.Unlock()

	if !on || level < minLevel {
		return len(p), nil
	}
	if !lim.Allow() {
		t.dropped.Add(1)
		return len(p), nil
	}
	select {
	case t.queue <- tgRecord{to: to, text: renderRecord(p)}:
	default:
		t.dropped.Add(1)
	}
	return len(p), nil
}

func (t *telegramSink) run() {
	defer close(t.done)
	send := func(r tgRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = t.sender.SendText(ctx, r.to, r.text, &kit.SendOptions{ParseMode: kit.ParseModeHTML, DisablePreview: true})
	}
	for {
		select {
		case r := <-t.queue:
			send(r)
		case <-t.quit:
			for {
				select {
				case r := <-t.queue:
					send(r)
				default:
					return
				}
			}
		}
	}
}

func (t *telegramSink) stop(grace time.Duration) {
	// A sink that never started has nothing to drain.
	t.startOnce.Do(func() { close(t.done) })
	t.stopOnce.Do(func() { close(t.quit) })
	select {
	case <-t.done:
	case <-time.After(grace):
	}
}

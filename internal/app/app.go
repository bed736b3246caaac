// Package app wires configuration, storage, the scheduler and the chat
// transport into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"remindbot/internal/bot"
	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/housekeeping"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	"remindbot/internal/transport/telegram"
	logx "remindbot/pkg/logx"
)

type Options struct {
	// Adapter replaces the Telegram long-poll adapter.
	Adapter kit.Adapter
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Memory

	store   reminder.Store
	adapter kit.Adapter
	sched   *scheduler.Service
	hk      *housekeeping.Service
	router  *bot.Router

	updates chan kit.Message
}

func New(ctx context.Context, cfgPath string, opt Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := resolve(cfg)
		return err
	})
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	ad := opt.Adapter
	if ad == nil {
		tg, err := telegram.New(s.telegram, logx.NewConsole("INFO").With(logx.Component("telegram")))
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	logSvc, log := logx.New(s.logging, ad)
	cfgm.SetLogger(log)

	store, err := storage.Open(ctx, s.storage, log)
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", s.storage.Driver))

	bus := eventbus.New()
	names := notifier.NewNames()
	n := notifier.NewTelegram(s.notifier, ad, names, log)
	sched := scheduler.New(s.scheduler, store, n, scheduler.Options{Bus: bus, Log: log})

	pruner, _ := store.(reminder.Pruner)
	if pruner == nil && s.housekeeping.Retention > 0 {
		log.Warn("storage.retention set but the driver cannot prune", logx.String("driver", s.storage.Driver))
	}
	hk, err := housekeeping.New(s.housekeeping, pruner, housekeeping.Options{Bus: bus, Log: log})
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	router := bot.New(s.bot, sched, names, ad, bot.Options{Log: log})

	return &App{
		cfgm:    cfgm,
		log:     log.With(logx.Component("app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		sched:   sched,
		hk:      hk,
		router:  router,
		updates: make(chan kit.Message, 256),
	}, nil
}

// Done is closed when the app context is cancelled by Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	if err := a.adapter.Start(c, a.updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}
	if err := a.sched.Start(c); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := a.hk.Start(c); err != nil {
		return fmt.Errorf("start housekeeping: %w", err)
	}

	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	if up, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		a.sup.Go0("telegram.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
				a.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		applied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(applied, next)
				applied = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdog(c, a.log, func() bool { return a.sched.Snapshot().Running })
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// applyConfig applies the hot-reloadable part of a new config. Only logging
// changes live; other sections need a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections := config.ChangedSections(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, no effective changes")
		return
	}
	var restart []string
	for _, s := range sections {
		if s == "logging" {
			a.logs.Apply(mapLogging(next.Logging))
			continue
		}
		restart = append(restart, s)
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required", logx.String("sections", strings.Join(restart, ",")))
	}
}

func (a *App) logEvent(e eventbus.Event) {
	fields := []logx.Field{logx.String("type", string(e.Type))}
	if e.ReminderID != 0 {
		fields = append(fields, logx.ReminderID(e.ReminderID), logx.ChatID(e.ChatID))
	}
	if e.Count != 0 {
		fields = append(fields, logx.Int("count", e.Count))
	}
	if e.Error != "" {
		fields = append(fields, logx.String("error", e.Error))
	}
	a.log.Debug("event", fields...)
}

// Stop shuts components down in dependency order. Each step gets a bounded
// slice of ctx; a step that overruns is logged and left behind.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Deliveries still in flight need the adapter, so it goes last.
	step("housekeeping", time.Second, a.hk.Stop)
	step("scheduler", 5*time.Second, a.sched.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	a.sup.Cancel()
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Package scheduler owns reminder lifecycle: creation, cancellation and the
// single worker loop that delivers due reminders exactly when they are
// claimed.
//
// The store's conditional UpdateStatus is the only synchronization between
// callers and the worker. Callers never wait on the worker; they nudge it
// through a buffered wake channel.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	logx "remindbot/pkg/logx"
)

type Options struct {
	Clock clock.Clock
	Bus   eventbus.Bus
	Log   logx.Logger
	// Rand seeds retry jitter; nil uses a time-seeded source.
	Rand *rand.Rand
}

type Service struct {
	cfg      Config
	store    reminder.Store
	notifier notifier.Notifier
	clock    clock.Clock
	bus      eventbus.Bus
	log      logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	lanes  *lanes
	wake   chan entry
	kick   chan struct{}
	resync atomic.Bool

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	cycles        atomic.Uint64
	delivered     atomic.Uint64
	failed        atomic.Uint64
	tracked       atomic.Int64
	storeFailures atomic.Int64
	nextDue       atomic.Value // time.Time
	lastCycle     atomic.Value // Cycle
}

func New(cfg Config, store reminder.Store, n notifier.Notifier, opt Options) *Service {
	cfg = cfg.withDefaults()
	if opt.Clock == nil {
		opt.Clock = clock.System()
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop{}
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Rand == nil {
		opt.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := &Service{
		cfg:      cfg,
		store:    store,
		notifier: n,
		clock:    opt.Clock,
		bus:      opt.Bus,
		log:      opt.Log.With(logx.Component("scheduler")),
		rng:      opt.Rand,
		lanes:    newLanes(cfg.Delivery.Workers),
		wake:     make(chan entry, cfg.WakeBuffer),
		kick:     make(chan struct{}, 1),
	}
	s.nextDue.Store(time.Time{})
	s.lastCycle.Store(Cycle{})
	return s
}

// Create stores a new PENDING reminder and returns its id. dueAt is rounded
// up to the next whole second, and List and delivery see the rounded value,
// so every backend stores the same instant.
func (s *Service) Create(ctx context.Context, chatID int64, dueAt time.Time, text string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, reminder.Invalid("text is empty")
	}
	now := s.clock.Now()
	if !dueAt.After(now) {
		return 0, reminder.Invalid("due time %s is not in the future", dueAt.Format(time.DateTime))
	}
	due := dueAt.Truncate(time.Second)
	if due.Before(dueAt) {
		due = due.Add(time.Second)
	}

	id, err := s.store.Insert(ctx, reminder.Reminder{
		ChatID:    chatID,
		DueAt:     due,
		Text:      text,
		Status:    reminder.StatusPending,
		CreatedAt: now.Truncate(time.Second),
	})
	if err != nil {
		return 0, err
	}

	select {
	case s.wake <- entry{id: id, due: due}:
	default:
		s.resync.Store(true)
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.ReminderCreated, ReminderID: id, ChatID: chatID})
	s.log.Debug("reminder created", logx.ReminderID(id), logx.ChatID(chatID), logx.Time("due_at", due))
	return id, nil
}

// Cancel moves a PENDING reminder owned by chatID to CANCELLED. It returns
// false, without error, when there is nothing to cancel.
func (s *Service) Cancel(ctx context.Context, id, chatID int64) (bool, error) {
	r, err := s.store.Get(ctx, id)
	if errors.Is(err, reminder.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if r.ChatID != chatID || r.Status != reminder.StatusPending {
		return false, nil
	}
	ok, err := s.store.UpdateStatus(ctx, reminder.Update{
		ID:       id,
		Expected: reminder.StatusPending,
		Next:     reminder.StatusCancelled,
		At:       s.clock.Now(),
	})
	if err != nil || !ok {
		return false, err
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.ReminderCancelled, ReminderID: id, ChatID: chatID})
	s.log.Debug("reminder cancelled", logx.ReminderID(id), logx.ChatID(chatID))
	return true, nil
}

// List returns the chat's PENDING reminders ordered by due time, then id.
func (s *Service) List(ctx context.Context, chatID int64) ([]reminder.Reminder, error) {
	return s.store.ListByChat(ctx, chatID, reminder.StatusPending)
}

// Start launches the worker loop. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup = sup
	s.running = true
	sup.GoRestart("scheduler.loop", func(c context.Context) error { return s.loop(c, sup) },
		rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	s.log.Info("scheduler started",
		logx.Duration("max_idle", s.cfg.MaxIdle),
		logx.Int("workers", s.cfg.Delivery.Workers),
		logx.String("inflight_on_start", string(s.cfg.InflightOnStart)),
	)
	return nil
}

// Stop cancels the worker and waits for in-flight deliveries or ctx. A
// reminder waiting out a retry backoff goes back to PENDING.
func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	s.running = false
	s.runMu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped")
	return err
}

func (s *Service) Snapshot() Snapshot {
	s.runMu.Lock()
	running := s.running
	s.runMu.Unlock()
	return Snapshot{
		Running:       running,
		Tracked:       int(s.tracked.Load()),
		NextDue:       s.nextDue.Load().(time.Time),
		Cycles:        s.cycles.Load(),
		Delivered:     s.delivered.Load(),
		Failed:        s.failed.Load(),
		StoreFailures: int(s.storeFailures.Load()),
		LastCycle:     s.lastCycle.Load().(Cycle),
	}
}

func (s *Service) jitterRand() *rand.Rand {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return rand.New(rand.NewSource(s.rng.Int63()))
}

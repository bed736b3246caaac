// Package housekeeping prunes old terminal reminders on a cron schedule.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

const DefaultSchedule = "@daily"

type Config struct {
	// Schedule is a cron spec with optional seconds, or a descriptor such as
	// "@daily" or "@every 6h".
	Schedule string
	// Retention is how long terminal reminders are kept. Zero disables pruning.
	Retention time.Duration
	Timeout   time.Duration
	Location  *time.Location
}

type Options struct {
	Clock clock.Clock
	Bus   eventbus.Bus
	Log   logx.Logger
}

type Service struct {
	cfg    Config
	pruner reminder.Pruner
	clock  clock.Clock
	bus    eventbus.Bus
	log    logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	running sync.Mutex // serializes prune runs
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec parses as a prune schedule.
func ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", spec, err)
	}
	return nil
}

func New(cfg Config, pruner reminder.Pruner, opt Options) (*Service, error) {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if err := ValidateSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if opt.Clock == nil {
		opt.Clock = clock.System()
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop{}
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		pruner: pruner,
		clock:  opt.Clock,
		bus:    opt.Bus,
		log:    opt.Log.With(logx.Component("housekeeping")),
	}, nil
}

// Enabled reports whether Start will schedule anything.
func (s *Service) Enabled() bool { return s.pruner != nil && s.cfg.Retention > 0 }

// Start schedules the prune job. It is a no-op when pruning is disabled or
// the service already runs.
func (s *Service) Start(ctx context.Context) error {
	if !s.Enabled() {
		s.log.Debug("pruning disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(s.cfg.Location))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("prune failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule prune: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Info("pruning scheduled", logx.String("schedule", s.cfg.Schedule), logx.Duration("retention", s.cfg.Retention))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce deletes terminal reminders last updated before now minus the
// retention, and returns how many were removed.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, errors.New("pruning is disabled")
	}
	s.running.Lock()
	defer s.running.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	before := s.clock.Now().Add(-s.cfg.Retention)
	n, err := s.pruner.PruneTerminal(ctx, before)
	if err != nil {
		return 0, err
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.RemindersPruned, Count: n})
	if n > 0 {
		s.log.Info("pruned terminal reminders", logx.Int("count", n), logx.Time("before", before))
	} else {
		s.log.Debug("nothing to prune", logx.Time("before", before))
	}
	return n, nil
}

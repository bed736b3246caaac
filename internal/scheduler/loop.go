package scheduler

import (
	"context"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	logx "remindbot/pkg/logx"
)

// farFuture bounds the heap rebuild query to every PENDING reminder.
const farFuture = 100 * 365 * 24 * time.Hour

func (s *Service) loop(ctx context.Context, sup *rtsup.Supervisor) error {
	if n, err := s.RecoverInflight(ctx); err != nil {
		s.log.Warn("inflight recovery failed", logx.Err(err))
	} else if n > 0 {
		s.log.Warn("recovered inflight reminders", logx.Int("count", n), logx.String("policy", string(s.cfg.InflightOnStart)))
	}

	q := newDueQueue()
	failures := 0
	needRebuild := true
	runNow := true

	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.resync.Swap(false) {
			needRebuild = true
		}
		if needRebuild {
			if err := s.rebuild(ctx, q); err != nil {
				failures++
				s.log.Warn("heap rebuild failed", logx.Err(err), logx.Int("failures", failures))
			} else {
				needRebuild = false
			}
		}

		if runNow {
			cycle, err := s.cycle(ctx, sup)
			if err != nil {
				failures++
				s.log.Warn("cycle failed, keeping reminders pending", logx.Err(err), logx.Int("failures", failures))
			} else {
				failures = 0
				q.popDue(cycle.At)
			}
			runNow = false
		}
		s.storeFailures.Store(int64(failures))
		if failures > 0 {
			// A failed rebuild is retried with the next cycle.
			needRebuild = true
		}

		now := s.clock.Now()
		wait := s.cfg.MaxIdle
		idle := true
		next, ok := q.peek()
		if ok {
			s.nextDue.Store(next.due)
			if d := next.due.Sub(now); d < wait {
				wait, idle = max(d, 0), false
			}
		} else {
			s.nextDue.Store(time.Time{})
		}
		if failures > 0 {
			wait, idle = min(wait, storeBackoff(s.cfg, failures)), false
		}
		s.tracked.Store(int64(q.Len()))

		wctx, cancel := context.WithCancel(ctx)
		fired := s.clock.After(wctx, wait)
		select {
		case <-ctx.Done():
			cancel()
			return nil
		case e := <-s.wake:
			cancel()
			q.add(e)
			s.drainWake(q)
		case <-s.kick:
			cancel()
		case <-fired:
			cancel()
			runNow = true
			if idle {
				needRebuild = true
			}
		}
	}
}

func (s *Service) drainWake(q *dueQueue) {
	for {
		select {
		case e := <-s.wake:
			q.add(e)
		default:
			return
		}
	}
}

// rebuild reloads every PENDING reminder into q.
func (s *Service) rebuild(ctx context.Context, q *dueQueue) error {
	pending, err := s.store.ListDuePending(ctx, s.clock.Now().Add(farFuture))
	if err != nil {
		return err
	}
	es := make([]entry, 0, len(pending))
	for _, r := range pending {
		es = append(es, entry{id: r.ID, due: r.DueAt})
	}
	q.reset(es)
	// Wakes still queued may postdate the query.
	s.drainWake(q)
	return nil
}

// RecoverInflight resolves reminders left SENDING by a previous process,
// according to the configured policy. It returns how many were changed.
func (s *Service) RecoverInflight(ctx context.Context) (int, error) {
	stuck, err := s.store.ListByStatus(ctx, reminder.StatusSending)
	if err != nil {
		return 0, err
	}
	next := reminder.StatusFailed
	if s.cfg.InflightOnStart == InflightRetry {
		next = reminder.StatusPending
	}
	n := 0
	var firstErr error
	for _, r := range stuck {
		ok, err := s.store.UpdateStatus(ctx, reminder.Update{ID: r.ID, Expected: reminder.StatusSending, Next: next, At: s.clock.Now()})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok {
			continue
		}
		n++
		typ := eventbus.ReminderRecovered
		if next == reminder.StatusFailed {
			typ = eventbus.ReminderFailed
			s.failed.Add(1)
		}
		s.bus.Publish(eventbus.Event{Type: typ, ReminderID: r.ID, ChatID: r.ChatID, Error: "interrupted while sending"})
	}
	return n, firstErr
}

// RunOnce claims every due PENDING reminder and delivers the claimed ones
// before returning. A storage error leaves the affected reminders PENDING
// and is returned after the successfully claimed reminders have been
// delivered.
func (s *Service) RunOnce(ctx context.Context) (Cycle, error) {
	c, claimed, err := s.claimDue(ctx)
	if c.At.IsZero() {
		return c, err
	}
	if len(claimed) > 0 {
		c.Sent, c.Failed = s.deliver(ctx, claimed)
	}
	s.record(&c)
	return c, err
}

// cycle is the worker's RunOnce: claimed reminders go to delivery lanes and
// the loop does not wait for them, so Sent and Failed stay zero.
func (s *Service) cycle(ctx context.Context, sup *rtsup.Supervisor) (Cycle, error) {
	c, claimed, err := s.claimDue(ctx)
	if c.At.IsZero() {
		return c, err
	}
	if len(claimed) > 0 {
		s.dispatch(sup, claimed)
	}
	s.record(&c)
	return c, err
}

// claimDue moves due reminders PENDING -> SENDING in (due_at, id) order. A
// zero Cycle.At means the due query itself failed.
func (s *Service) claimDue(ctx context.Context) (Cycle, []reminder.Reminder, error) {
	started := s.clock.Now()
	due, err := s.store.ListDuePending(ctx, started)
	if err != nil {
		return Cycle{}, nil, err
	}
	c := Cycle{At: started, Due: len(due)}

	var (
		claimed  []reminder.Reminder
		claimErr error
	)
	for _, r := range due {
		ok, err := s.store.UpdateStatus(ctx, reminder.Update{
			ID:       r.ID,
			Expected: reminder.StatusPending,
			Next:     reminder.StatusSending,
			At:       started,
		})
		if err != nil {
			if claimErr == nil {
				claimErr = err
			}
			continue
		}
		if !ok {
			c.Lost++
			continue
		}
		r.Status = reminder.StatusSending
		claimed = append(claimed, r)
	}
	c.Claimed = len(claimed)
	return c, claimed, claimErr
}

func (s *Service) record(c *Cycle) {
	c.Took = s.clock.Now().Sub(c.At)
	s.cycles.Add(1)
	s.lastCycle.Store(*c)
	if c.Due > 0 {
		s.log.Debug("cycle done",
			logx.Int("due", c.Due), logx.Int("claimed", c.Claimed), logx.Int("lost", c.Lost),
			logx.Int("sent", c.Sent), logx.Int("failed", c.Failed), logx.Duration("took", c.Took))
	}
}

package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	logx "remindbot/pkg/logx"
)

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	// outcomeAbandoned: shutdown interrupted delivery. The reminder is back
	// to PENDING, or stays SENDING if a Send was cut off mid-flight.
	outcomeAbandoned
)

func byChat(claimed []reminder.Reminder) [][]reminder.Reminder {
	var (
		order []int64
		group = map[int64][]reminder.Reminder{}
	)
	for _, r := range claimed {
		if _, ok := group[r.ChatID]; !ok {
			order = append(order, r.ChatID)
		}
		group[r.ChatID] = append(group[r.ChatID], r)
	}
	out := make([][]reminder.Reminder, 0, len(order))
	for _, id := range order {
		out = append(out, group[id])
	}
	return out
}

// deliver sends claimed reminders and waits for all of them. Chats are
// processed concurrently, up to Delivery.Workers at a time; reminders of one
// chat go out sequentially in (due_at, id) order.
func (s *Service) deliver(ctx context.Context, claimed []reminder.Reminder) (sent, failed int) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Delivery.Workers)
	for _, batch := range byChat(claimed) {
		rng := s.jitterRand()
		g.Go(func() error {
			for _, r := range batch {
				out := outcomeAbandoned
				if ctx.Err() != nil {
					s.release(ctx, r, 0)
				} else {
					out = s.deliverOne(ctx, r, rng)
				}
				mu.Lock()
				switch out {
				case outcomeSent:
					sent++
				case outcomeFailed:
					failed++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return sent, failed
}

// lanes queues claimed reminders per chat for the worker loop. A chat has at
// most one running lane; at most Delivery.Workers lanes send at once.
type lanes struct {
	mu     sync.Mutex
	queued map[int64][]reminder.Reminder
	slots  chan struct{}
}

func newLanes(workers int) *lanes {
	return &lanes{queued: map[int64][]reminder.Reminder{}, slots: make(chan struct{}, workers)}
}

// push appends batch to the chat's lane and reports whether the lane needs
// a goroutine.
func (l *lanes) push(chatID int64, batch []reminder.Reminder) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, running := l.queued[chatID]
	l.queued[chatID] = append(q, batch...)
	return !running
}

// next pops the chat's oldest reminder. An empty lane is removed so the
// following push starts a new one.
func (l *lanes) next(chatID int64) (reminder.Reminder, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queued[chatID]
	if len(q) == 0 {
		delete(l.queued, chatID)
		return reminder.Reminder{}, false
	}
	l.queued[chatID] = q[1:]
	return q[0], true
}

// dispatch hands claimed reminders to supervised lanes and returns at once,
// so the worker loop keeps claiming while slow chats are still sending.
func (s *Service) dispatch(sup *rtsup.Supervisor, claimed []reminder.Reminder) {
	for _, batch := range byChat(claimed) {
		chatID := batch[0].ChatID
		if s.lanes.push(chatID, batch) {
			sup.Go0("scheduler.deliver", func(ctx context.Context) { s.runLane(ctx, chatID) })
		}
	}
}

func (s *Service) runLane(ctx context.Context, chatID int64) {
	select {
	case s.lanes.slots <- struct{}{}:
		defer func() { <-s.lanes.slots }()
	case <-ctx.Done():
	}
	rng := s.jitterRand()
	for {
		r, ok := s.lanes.next(chatID)
		if !ok {
			return
		}
		if ctx.Err() != nil {
			s.release(ctx, r, 0)
			continue
		}
		s.deliverOne(ctx, r, rng)
	}
}

func (s *Service) deliverOne(ctx context.Context, r reminder.Reminder, rng *rand.Rand) outcome {
	log := s.log.With(logx.ReminderID(r.ID), logx.ChatID(r.ChatID))
	cfg := s.cfg.Delivery

	for attempt := 1; ; attempt++ {
		err := s.attempt(ctx, r, log)
		if err == nil {
			s.finish(ctx, r, reminder.StatusSent, attempt, log)
			s.delivered.Add(1)
			s.bus.Publish(eventbus.Event{Type: eventbus.ReminderSent, ReminderID: r.ID, ChatID: r.ChatID, Attempts: attempt})
			log.Info("reminder sent", logx.Int("attempts", attempt), logx.Duration("late", s.clock.Now().Sub(r.DueAt)))
			return outcomeSent
		}
		if ctx.Err() != nil {
			// The cut-off Send may have reached the chat; startup recovery decides.
			log.Warn("delivery interrupted by shutdown", logx.Int("attempts", attempt), logx.Err(err))
			return outcomeAbandoned
		}
		if notifier.IsPermanent(err) || attempt > cfg.RetryMax {
			s.finish(ctx, r, reminder.StatusFailed, attempt, log)
			s.failed.Add(1)
			s.bus.Publish(eventbus.Event{Type: eventbus.ReminderFailed, ReminderID: r.ID, ChatID: r.ChatID, Attempts: attempt, Error: err.Error()})
			log.Warn("reminder failed", logx.Int("attempts", attempt), logx.Bool("permanent", notifier.IsPermanent(err)), logx.Err(err))
			return outcomeFailed
		}

		wait := retryDelay(cfg, attempt, err, rng)
		log.Debug("delivery retry", logx.Int("attempt", attempt), logx.Duration("backoff", wait), logx.Err(err))
		if clock.Sleep(ctx, s.clock, wait) != nil {
			s.release(ctx, r, attempt)
			log.Info("retry deferred by shutdown; reminder pending again", logx.Int("attempts", attempt), logx.Err(err))
			return outcomeAbandoned
		}
	}
}

// attempt runs one bounded Send; a panic is returned as an error.
// A nil return is a delivery even when Send overran its deadline.
func (s *Service) attempt(ctx context.Context, r reminder.Reminder, log logx.Logger) (err error) {
	actx, cancel := context.WithTimeout(ctx, s.cfg.Delivery.AttemptTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			log.Error("notifier panicked", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("notifier panic: %v", p)
		}
	}()
	err = s.notifier.Send(actx, r.ChatID, r.Text)
	if err == nil && actx.Err() != nil {
		log.Warn("send returned after its deadline", logx.Duration("timeout", s.cfg.Delivery.AttemptTimeout))
	}
	return err
}

// finish records the final status. The write survives shutdown of ctx and is
// retried a few times; on failure the reminder stays SENDING for startup
// recovery to resolve.
func (s *Service) finish(ctx context.Context, r reminder.Reminder, next reminder.Status, attempts int, log logx.Logger) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var err error
	for try := 1; try <= 3; try++ {
		var ok bool
		ok, err = s.store.UpdateStatus(wctx, reminder.Update{
			ID:       r.ID,
			Expected: reminder.StatusSending,
			Next:     next,
			Attempts: attempts,
			At:       s.clock.Now(),
		})
		if err == nil {
			if !ok {
				log.Warn("reminder changed while sending", logx.String("want", string(next)))
			}
			return
		}
		if clock.Sleep(wctx, s.clock, time.Duration(try)*200*time.Millisecond) != nil {
			break
		}
	}
	log.Error("recording delivery status failed", logx.String("status", string(next)), logx.Err(err))
}

// release puts a claimed reminder that is not being sent back to PENDING.
// attempts, when positive, records the failed tries so far.
func (s *Service) release(ctx context.Context, r reminder.Reminder, attempts int) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := s.store.UpdateStatus(wctx, reminder.Update{
		ID:       r.ID,
		Expected: reminder.StatusSending,
		Next:     reminder.StatusPending,
		Attempts: attempts,
		At:       s.clock.Now(),
	}); err != nil {
		s.log.Warn("releasing unsent reminder failed", logx.ReminderID(r.ID), logx.Err(err))
	}
}

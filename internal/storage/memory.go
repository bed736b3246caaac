package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"remindbot/internal/reminder"
)

// Memory keeps reminders in a map. Nothing survives a restart.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]reminder.Reminder
	closed bool

	fault fault
}

type fault struct {
	op  string // "" matches every operation
	n   int
	err error
}

var errClosed = errors.New("store closed")

func NewMemory() *Memory {
	return &Memory{nextID: 1, items: map[int64]reminder.Reminder{}}
}

// FailNext makes the next n calls of op (or of any operation when op is
// empty) fail with err wrapped as a StorageError. Ops: insert, get,
// list_by_chat, list_due, list_by_status, update_status, prune.
func (s *Memory) FailNext(op string, n int, err error) {
	s.mu.Lock()
	s.fault = fault{op: op, n: n, err: err}
	s.mu.Unlock()
}

func (s *Memory) injected(op string) error {
	if s.closed {
		return reminder.Wrap(op, errClosed)
	}
	if f := &s.fault; f.n > 0 && (f.op == "" || f.op == op) {
		f.n--
		return reminder.Wrap(op, f.err)
	}
	return nil
}

func (s *Memory) Insert(ctx context.Context, r reminder.Reminder) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("insert"); err != nil {
		return 0, err
	}
	r.ID = s.nextID
	s.nextID++
	r.Status = reminder.StatusPending
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.UpdatedAt = r.CreatedAt
	s.items[r.ID] = r
	return r.ID, nil
}

func (s *Memory) Get(ctx context.Context, id int64) (reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("get"); err != nil {
		return reminder.Reminder{}, err
	}
	r, ok := s.items[id]
	if !ok {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	return r, nil
}

func (s *Memory) list(op string, keep func(reminder.Reminder) bool) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(op); err != nil {
		return nil, err
	}
	var out []reminder.Reminder
	for _, r := range s.items {
		if keep(r) {
			out = append(out, r)
		}
	}
	sortReminders(out)
	return out, nil
}

func (s *Memory) ListByChat(ctx context.Context, chatID int64, status reminder.Status) ([]reminder.Reminder, error) {
	return s.list("list_by_chat", func(r reminder.Reminder) bool {
		return r.ChatID == chatID && r.Status == status
	})
}

func (s *Memory) ListDuePending(ctx context.Context, asOf time.Time) ([]reminder.Reminder, error) {
	return s.list("list_due", func(r reminder.Reminder) bool {
		return r.Status == reminder.StatusPending && !r.DueAt.After(asOf)
	})
}

func (s *Memory) ListByStatus(ctx context.Context, status reminder.Status) ([]reminder.Reminder, error) {
	return s.list("list_by_status", func(r reminder.Reminder) bool { return r.Status == status })
}

func (s *Memory) UpdateStatus(ctx context.Context, u reminder.Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("update_status"); err != nil {
		return false, err
	}
	r, ok := s.items[u.ID]
	if !ok || r.Status != u.Expected {
		return false, nil
	}
	r.Status = u.Next
	r.UpdatedAt = updatedAt(u)
	if u.Attempts > 0 {
		r.Attempts = u.Attempts
	}
	s.items[u.ID] = r
	return true, nil
}

func (s *Memory) PruneTerminal(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("prune"); err != nil {
		return 0, err
	}
	n := 0
	for id, r := range s.items {
		if r.Status.Terminal() && r.UpdatedAt.Before(before) {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

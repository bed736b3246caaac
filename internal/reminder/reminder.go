// Package reminder holds the reminder model, its lifecycle and the storage
// contract every backend implements.
package reminder

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown reminder status %q", s)
	}
	return st, nil
}

// CanTransition reports whether from -> to is part of the lifecycle.
// SENDING -> PENDING is only used by startup recovery.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusSending || to == StatusCancelled
	case StatusSending:
		return to == StatusSent || to == StatusFailed || to == StatusPending
	}
	return false
}

type Reminder struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	DueAt     time.Time `json:"due_at"`
	Text      string    `json:"text"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Attempts  int       `json:"attempts"`
}

// Less orders reminders by due time, then id.
func Less(a, b Reminder) bool {
	if !a.DueAt.Equal(b.DueAt) {
		return a.DueAt.Before(b.DueAt)
	}
	return a.ID < b.ID
}

// Update describes a compare-and-set status change.
type Update struct {
	ID       int64
	Expected Status
	Next     Status
	// Attempts, when > 0, is recorded alongside the new status.
	Attempts int
	At       time.Time
}

// Store persists reminders. Implementations must be safe for concurrent use,
// and every status write is conditional on the current status.
type Store interface {
	// Insert stores r as PENDING and returns the assigned id.
	Insert(ctx context.Context, r Reminder) (int64, error)
	// Get returns ErrNotFound when id is unknown.
	Get(ctx context.Context, id int64) (Reminder, error)
	// ListByChat returns reminders of chatID in status, ordered by (due_at, id).
	ListByChat(ctx context.Context, chatID int64, status Status) ([]Reminder, error)
	// ListDuePending returns PENDING reminders with due_at <= asOf ordered by (due_at, id).
	ListDuePending(ctx context.Context, asOf time.Time) ([]Reminder, error)
	ListByStatus(ctx context.Context, status Status) ([]Reminder, error)
	// UpdateStatus applies u only if the current status equals u.Expected.
	// It returns false when the id is absent or the status differs.
	UpdateStatus(ctx context.Context, u Update) (bool, error)
	Close() error
}

// Pruner is implemented by stores that can delete old terminal reminders.
type Pruner interface {
	PruneTerminal(ctx context.Context, before time.Time) (int, error)
}

// TimeLayout is the persisted layout for text-backed timestamps (UTC).
const TimeLayout = "2006-01-02 15:04:05"

func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, s, time.UTC)
}

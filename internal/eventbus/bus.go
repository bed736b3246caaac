// Package eventbus fans reminder lifecycle events out to in-process
// subscribers. Publish never blocks; slow subscribers drop events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	ReminderCreated   Type = "reminder.created"
	ReminderCancelled Type = "reminder.cancelled"
	ReminderSent      Type = "reminder.sent"
	ReminderFailed    Type = "reminder.failed"
	ReminderRecovered Type = "reminder.recovered"
	RemindersPruned   Type = "reminders.pruned"
)

type Event struct {
	Type       Type      `json:"type"`
	Time       time.Time `json:"time"`
	ReminderID int64     `json:"reminder_id,omitempty"`
	ChatID     int64     `json:"chat_id,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Count      int       `json:"count,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

// New returns an in-memory bus. It owns no goroutines.
func New() *Memory {
	return &Memory{subs: map[uint64]chan Event{}}
}

type Memory struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     uint64
	dropped atomic.Uint64
}

func (b *Memory) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock is short and keeps
	// unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Memory) Dropped() uint64 { return b.dropped.Load() }

func (b *Memory) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

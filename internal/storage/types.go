package storage

import (
	"sort"
	"time"

	"remindbot/internal/reminder"
)

// Config configures the reminder store.
type Config struct {
	Driver      string
	Path        string        // file and sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres pool size; 0 means pgx default
}

func sortReminders(rs []reminder.Reminder) {
	sort.Slice(rs, func(i, j int) bool { return reminder.Less(rs[i], rs[j]) })
}

func updatedAt(u reminder.Update) time.Time {
	if u.At.IsZero() {
		return time.Now()
	}
	return u.At
}

var (
	_ reminder.Store  = (*Memory)(nil)
	_ reminder.Pruner = (*Memory)(nil)
	_ reminder.Store  = (*fileStore)(nil)
	_ reminder.Pruner = (*fileStore)(nil)
	_ reminder.Store  = (*sqliteStore)(nil)
	_ reminder.Pruner = (*sqliteStore)(nil)
	_ reminder.Store  = (*postgresStore)(nil)
	_ reminder.Pruner = (*postgresStore)(nil)
)

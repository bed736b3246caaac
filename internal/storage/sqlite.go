package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// Timestamps are TEXT in reminder.TimeLayout (UTC), which sorts lexically.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const reminderColumns = `id, chat_id, due_at, text, status, created_at, updated_at, attempts`

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./data/remindbot.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, reminder.Wrap("open", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, reminder.Wrap("open", err)
	}
	// Single writer; serializes conditional updates.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, reminder.Wrap("migrate", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Insert(ctx context.Context, r reminder.Reminder) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	created := reminder.FormatTime(r.CreatedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(chat_id, due_at, text, status, created_at, updated_at, attempts)
		 VALUES(?,?,?,?,?,?,0)`,
		r.ChatID, reminder.FormatTime(r.DueAt), r.Text, string(reminder.StatusPending), created, created,
	)
	if err != nil {
		return 0, reminder.Wrap("insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, reminder.Wrap("insert", err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (reminder.Reminder, error) {
	var (
		r                     reminder.Reminder
		due, created, updated string
		status                string
	)
	if err := row.Scan(&r.ID, &r.ChatID, &due, &r.Text, &status, &created, &updated, &r.Attempts); err != nil {
		return reminder.Reminder{}, err
	}
	var err error
	if r.Status, err = reminder.ParseStatus(status); err != nil {
		return reminder.Reminder{}, err
	}
	if r.DueAt, err = reminder.ParseTime(due); err != nil {
		return reminder.Reminder{}, fmt.Errorf("due_at: %w", err)
	}
	if r.CreatedAt, err = reminder.ParseTime(created); err != nil {
		return reminder.Reminder{}, fmt.Errorf("created_at: %w", err)
	}
	if r.UpdatedAt, err = reminder.ParseTime(updated); err != nil {
		return reminder.Reminder{}, fmt.Errorf("updated_at: %w", err)
	}
	return r, nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	if err != nil {
		return reminder.Reminder{}, reminder.Wrap("get", err)
	}
	return r, nil
}

func (s *sqliteStore) query(ctx context.Context, op, where string, args ...any) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE `+where+` ORDER BY due_at ASC, id ASC`, args...)
	if err != nil {
		return nil, reminder.Wrap(op, err)
	}
	defer rows.Close()

	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, reminder.Wrap(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, reminder.Wrap(op, err)
	}
	return out, nil
}

func (s *sqliteStore) ListByChat(ctx context.Context, chatID int64, status reminder.Status) ([]reminder.Reminder, error) {
	return s.query(ctx, "list_by_chat", `chat_id = ? AND status = ?`, chatID, string(status))
}

func (s *sqliteStore) ListDuePending(ctx context.Context, asOf time.Time) ([]reminder.Reminder, error) {
	return s.query(ctx, "list_due", `status = ? AND due_at <= ?`, string(reminder.StatusPending), reminder.FormatTime(asOf))
}

func (s *sqliteStore) ListByStatus(ctx context.Context, status reminder.Status) ([]reminder.Reminder, error) {
	return s.query(ctx, "list_by_status", `status = ?`, string(status))
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, u reminder.Update) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders
		    SET status = ?, updated_at = ?, attempts = CASE WHEN ? > 0 THEN ? ELSE attempts END
		  WHERE id = ? AND status = ?`,
		string(u.Next), reminder.FormatTime(updatedAt(u)), u.Attempts, u.Attempts, u.ID, string(u.Expected),
	)
	if err != nil {
		return false, reminder.Wrap("update_status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, reminder.Wrap("update_status", err)
	}
	return n == 1, nil
}

func (s *sqliteStore) PruneTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE status IN (?,?,?) AND updated_at < ?`,
		string(reminder.StatusSent), string(reminder.StatusCancelled), string(reminder.StatusFailed),
		reminder.FormatTime(before),
	)
	if err != nil {
		return 0, reminder.Wrap("prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, reminder.Wrap("prune", err)
	}
	return int(n), nil
}

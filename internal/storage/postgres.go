package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS reminders (
		id         BIGSERIAL   PRIMARY KEY,
		chat_id    BIGINT      NOT NULL,
		due_at     TIMESTAMPTZ NOT NULL,
		text       TEXT        NOT NULL,
		status     TEXT        NOT NULL DEFAULT 'PENDING',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		attempts   INTEGER     NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reminders_status_due ON reminders(status, due_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_reminders_chat ON reminders(chat_id, status, due_at, id)`,
}

type postgresStore struct {
	db  *pgxpool.Pool
	log logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*postgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, reminder.Wrap("open", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, reminder.Wrap("open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, reminder.Wrap("ping", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, reminder.Wrap("migrate", err)
		}
	}
	log.Info("postgres store opened", logx.Int("max_conns", int(pcfg.MaxConns)))
	return &postgresStore{db: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s != nil && s.db != nil {
		s.db.Close()
	}
	return nil
}

func (s *postgresStore) Insert(ctx context.Context, r reminder.Reminder) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	created := r.CreatedAt.UTC().Truncate(time.Second)
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO reminders (chat_id, due_at, text, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 RETURNING id`,
		r.ChatID, r.DueAt.UTC().Truncate(time.Second), r.Text, string(reminder.StatusPending), created,
	).Scan(&id)
	if err != nil {
		return 0, reminder.Wrap("insert", err)
	}
	return id, nil
}

func scanPostgres(row pgx.Row) (reminder.Reminder, error) {
	var (
		r      reminder.Reminder
		status string
	)
	if err := row.Scan(&r.ID, &r.ChatID, &r.DueAt, &r.Text, &status, &r.CreatedAt, &r.UpdatedAt, &r.Attempts); err != nil {
		return reminder.Reminder{}, err
	}
	st, err := reminder.ParseStatus(status)
	if err != nil {
		return reminder.Reminder{}, err
	}
	r.Status = st
	return r, nil
}

func (s *postgresStore) Get(ctx context.Context, id int64) (reminder.Reminder, error) {
	r, err := scanPostgres(s.db.QueryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	if err != nil {
		return reminder.Reminder{}, reminder.Wrap("get", err)
	}
	return r, nil
}

func (s *postgresStore) query(ctx context.Context, op, where string, args ...any) ([]reminder.Reminder, error) {
	rows, err := s.db.Query(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE `+where+` ORDER BY due_at ASC, id ASC`, args...)
	if err != nil {
		return nil, reminder.Wrap(op, err)
	}
	defer rows.Close()

	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanPostgres(rows)
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

func (s *postgresStore) ListByChat(ctx context.Context, chatID int64, status reminder.Status) ([]reminder.Reminder, error) {
	return s.query(ctx, "list_by_chat", `chat_id = $1 AND status = $2`, chatID, string(status))
}

func (s *postgresStore) ListDuePending(ctx context.Context, asOf time.Time) ([]reminder.Reminder, error) {
	return s.query(ctx, "list_due", `status = $1 AND due_at <= $2`, string(reminder.StatusPending), asOf.UTC())
}

func (s *postgresStore) ListByStatus(ctx context.Context, status reminder.Status) ([]reminder.Reminder, error) {
	return s.query(ctx, "list_by_status", `status = $1`, string(status))
}

func (s *postgresStore) UpdateStatus(ctx context.Context, u reminder.Update) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE reminders
		    SET status = $1, updated_at = $2, attempts = CASE WHEN $3::int > 0 THEN $3::int ELSE attempts END
		  WHERE id = $4 AND status = $5`,
		string(u.Next), updatedAt(u).UTC().Truncate(time.Second), u.Attempts, u.ID, string(u.Expected),
	)
	if err != nil {
		return false, reminder.Wrap("update_status", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) PruneTerminal(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM reminders WHERE status IN ($1, $2, $3) AND updated_at < $4`,
		string(reminder.StatusSent), string(reminder.StatusCancelled), string(reminder.StatusFailed), before.UTC(),
	)
	if err != nil {
		return 0, reminder.Wrap("prune", err)
	}
	return int(tag.RowsAffected()), nil
}

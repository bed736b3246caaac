package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// TokenEnv is consulted when telegram.token is empty.
const TokenEnv = "BOT_TOKEN"

func applyEnv(cfg *Config) {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		cfg.Telegram.Token = strings.TrimSpace(os.Getenv(TokenEnv))
	}
}

// Location resolves scheduler.timezone. Empty means the process local zone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// Validate checks field syntax. It does not touch the network or the store.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token is empty and $%s is not set", TokenEnv))
	}
	if cfg.Telegram.CommandWorkers < 0 {
		add(errors.New("telegram.command_workers must be >= 0"))
	}
	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		add(errors.New("logging.telegram.chat_id is required when logging.telegram.enabled"))
	}

	durations := [][2]string{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"telegram.command_timeout", cfg.Telegram.CommandTimeout},
		{"scheduler.max_idle", cfg.Scheduler.MaxIdle},
		{"scheduler.store_retry_base", cfg.Scheduler.StoreRetryBase},
		{"delivery.attempt_timeout", cfg.Delivery.AttemptTimeout},
		{"delivery.retry_base", cfg.Delivery.RetryBase},
		{"delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"storage.retention", cfg.Storage.Retention},
	}
	for _, d := range durations {
		_, err := ParseDurationField(d[0], d[1])
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Scheduler.InflightOnStart)) {
	case "", "fail", "retry":
	default:
		add(fmt.Errorf("scheduler.inflight_on_start: unknown policy %q (want fail or retry)", cfg.Scheduler.InflightOnStart))
	}
	if cfg.Scheduler.WakeBuffer < 0 {
		add(errors.New("scheduler.wake_buffer must be >= 0"))
	}
	_, err := cfg.Location()
	add(err)

	if cfg.Delivery.Workers < 0 {
		add(errors.New("delivery.workers must be >= 0"))
	}
	if cfg.Delivery.RetryJitter > 1 {
		add(errors.New("delivery.retry_jitter must be <= 1"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file", "memory":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for the postgres driver"))
		} else if _, err := pgconn.ParseConfig(cfg.Storage.DSN); err != nil {
			add(fmt.Errorf("storage.dsn: %w", err))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if cfg.Storage.MaxConns < 0 {
		add(errors.New("storage.max_conns must be >= 0"))
	}
	return errors.Join(errs...)
}

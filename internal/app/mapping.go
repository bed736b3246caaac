package app

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/bot"
	"remindbot/internal/config"
	"remindbot/internal/housekeeping"
	"remindbot/internal/notifier"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/transport/telegram"
	logx "remindbot/pkg/logx"
)

// settings is a config resolved into the types the components take.
type settings struct {
	telegram     telegram.Config
	logging      logx.Config
	bot          bot.Config
	scheduler    scheduler.Config
	notifier     notifier.TelegramConfig
	storage      storage.Config
	housekeeping housekeeping.Config
}

func resolve(cfg *config.Config) (settings, error) {
	var s settings
	if err := config.Validate(cfg); err != nil {
		return s, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return s, err
	}
	durations := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout, 10 * time.Second, &s.telegram.PollTimeout},
		{"telegram.command_timeout", cfg.Telegram.CommandTimeout, 15 * time.Second, &s.bot.CommandTimeout},
		{"scheduler.max_idle", cfg.Scheduler.MaxIdle, 0, &s.scheduler.MaxIdle},
		{"scheduler.store_retry_base", cfg.Scheduler.StoreRetryBase, 0, &s.scheduler.StoreRetryBase},
		{"delivery.attempt_timeout", cfg.Delivery.AttemptTimeout, 0, &s.scheduler.Delivery.AttemptTimeout},
		{"delivery.retry_base", cfg.Delivery.RetryBase, 0, &s.scheduler.Delivery.RetryBase},
		{"delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay, 0, &s.scheduler.Delivery.RetryMaxDelay},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second, &s.storage.BusyTimeout},
		{"storage.retention", cfg.Storage.Retention, 0, &s.housekeeping.Retention},
	}
	for _, d := range durations {
		v, err := config.ParseDurationOrDefault(d.path, d.raw, d.def)
		if err != nil {
			return s, err
		}
		*d.dst = v
	}

	s.telegram.Token = cfg.Telegram.Token
	s.logging = mapLogging(cfg.Logging)

	s.bot.Workers = cfg.Telegram.CommandWorkers
	s.bot.Location = loc

	policy, ok := scheduler.ParseInflightPolicy(cfg.Scheduler.InflightOnStart)
	if !ok {
		return s, fmt.Errorf("scheduler.inflight_on_start: unknown policy %q", cfg.Scheduler.InflightOnStart)
	}
	s.scheduler.InflightOnStart = policy
	s.scheduler.WakeBuffer = cfg.Scheduler.WakeBuffer
	s.scheduler.Delivery.Workers = cfg.Delivery.Workers
	if n := cfg.Delivery.RetryMax; n != nil {
		// The scheduler reads 0 as "default"; an explicit 0 means no retries.
		s.scheduler.Delivery.RetryMax = *n
		if *n <= 0 {
			s.scheduler.Delivery.RetryMax = -1
		}
	}
	s.scheduler.Delivery.RetryJitter = cfg.Delivery.RetryJitter
	s.notifier.RatePerSec = cfg.Delivery.RatePerSec

	s.storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	s.storage.Path = strings.TrimSpace(cfg.Storage.Path)
	s.storage.DSN = strings.TrimSpace(cfg.Storage.DSN)
	s.storage.MaxConns = cfg.Storage.MaxConns
	if s.storage.Driver == "file" && s.storage.Path == "" {
		return s, fmt.Errorf("storage.path is required when storage.driver=file")
	}

	s.housekeeping.Schedule = cfg.Storage.PruneSchedule
	s.housekeeping.Location = loc
	if err := housekeeping.ValidateSchedule(cfg.Storage.PruneSchedule); err != nil {
		return s, fmt.Errorf("storage.prune_schedule: %w", err)
	}
	return s, nil
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    c.Telegram.Enabled,
			ChatID:     c.Telegram.ChatID,
			ThreadID:   c.Telegram.ThreadID,
			MinLevel:   c.Telegram.MinLevel,
			RatePerSec: c.Telegram.RatePerSec,
		},
	}
}

package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "30s", "24h").
//
// Example (YAML):
//
//	telegram:
//	  token: ""            # falls back to $BOT_TOKEN
//	  poll_timeout: 10s
//	scheduler:
//	  timezone: Europe/Kyiv
//	  inflight_on_start: fail
//	storage:
//	  driver: sqlite
//	  path: ./remindbot.db
//	  retention: 720h
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Storage   StorageConfig   `json:"storage"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`

	// CommandWorkers bounds concurrently handled commands (default 4).
	CommandWorkers int    `json:"command_workers,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the reminder worker loop.
//
// Defaults: max_idle 1m, store_retry_base 1s, wake_buffer 256,
// inflight_on_start "fail", timezone local.
type SchedulerConfig struct {
	MaxIdle        string `json:"max_idle,omitempty"`
	StoreRetryBase string `json:"store_retry_base,omitempty"`
	WakeBuffer     int    `json:"wake_buffer,omitempty"`
	// InflightOnStart is "fail" or "retry": what happens to reminders left
	// SENDING by a crash.
	InflightOnStart string `json:"inflight_on_start,omitempty"`
	// Timezone is an IANA name used for HH:MM input and /list output.
	Timezone string `json:"timezone,omitempty"`
}

// DeliveryConfig controls sending due reminders.
//
// retry_max: unset means the default (3), 0 or negative disables retries.
// retry_jitter: fraction of each delay, 0 means the default (0.2), negative disables.
type DeliveryConfig struct {
	Workers        int     `json:"workers,omitempty"`
	AttemptTimeout string  `json:"attempt_timeout,omitempty"`
	RetryMax       *int    `json:"retry_max,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`
	RetryJitter    float64 `json:"retry_jitter,omitempty"`
	RatePerSec     int     `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the reminder store.
//
// Drivers: "sqlite" (default), "file", "memory", "postgres".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres

	// Retention keeps terminal reminders this long; "0s" or empty disables pruning.
	Retention     string `json:"retention,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

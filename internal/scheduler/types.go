package scheduler

import (
	"strings"
	"time"
)

// InflightPolicy decides what startup does with reminders left SENDING by a
// previous process.
type InflightPolicy string

const (
	// InflightFail marks them FAILED: a reminder is never sent twice.
	InflightFail InflightPolicy = "fail"
	// InflightRetry puts them back to PENDING: a reminder is never lost,
	// but may be delivered twice if the crash happened after the send.
	InflightRetry InflightPolicy = "retry"
)

func ParseInflightPolicy(s string) (InflightPolicy, bool) {
	switch InflightPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", InflightFail:
		return InflightFail, true
	case InflightRetry:
		return InflightRetry, true
	}
	return "", false
}

type Config struct {
	// MaxIdle bounds every wait so store-external changes are picked up.
	MaxIdle time.Duration
	// StoreRetryBase is the first backoff after a failed cycle; it doubles up to MaxIdle.
	StoreRetryBase time.Duration
	// WakeBuffer is the capacity of the Create -> worker channel.
	WakeBuffer int

	InflightOnStart InflightPolicy
	Delivery        DeliveryConfig
}

type DeliveryConfig struct {
	// Workers bounds how many chats are delivered to concurrently.
	Workers        int
	AttemptTimeout time.Duration
	// RetryMax is the number of retries after the first attempt. Negative disables retries.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RetryJitter is a +/- fraction (0.2 = 20%). Negative disables jitter.
	RetryJitter float64
}

func (c Config) withDefaults() Config {
	if c.MaxIdle <= 0 {
		c.MaxIdle = time.Minute
	}
	if c.StoreRetryBase <= 0 {
		c.StoreRetryBase = time.Second
	}
	if c.WakeBuffer <= 0 {
		c.WakeBuffer = 256
	}
	if c.InflightOnStart == "" {
		c.InflightOnStart = InflightFail
	}
	d := &c.Delivery
	if d.Workers <= 0 {
		d.Workers = 8
	}
	if d.AttemptTimeout <= 0 {
		d.AttemptTimeout = 30 * time.Second
	}
	if d.RetryMax == 0 {
		d.RetryMax = 3
	}
	if d.RetryMax < 0 {
		d.RetryMax = 0
	}
	if d.RetryBase <= 0 {
		d.RetryBase = 500 * time.Millisecond
	}
	if d.RetryMaxDelay <= 0 {
		d.RetryMaxDelay = 15 * time.Second
	}
	if d.RetryJitter == 0 {
		d.RetryJitter = 0.2
	}
	return c
}

// Cycle summarizes one reconciliation pass.
type Cycle struct {
	At      time.Time     `json:"at"`
	Due     int           `json:"due"`
	Claimed int           `json:"claimed"`
	Lost    int           `json:"lost"` // claim lost to a concurrent change
	Sent    int           `json:"sent"`
	Failed  int           `json:"failed"`
	Took    time.Duration `json:"took"`
}

// Snapshot is a diagnostic view of the scheduler.
type Snapshot struct {
	Running       bool      `json:"running"`
	Tracked       int       `json:"tracked"`
	NextDue       time.Time `json:"next_due"`
	Cycles        uint64    `json:"cycles"`
	Delivered     uint64    `json:"delivered"`
	Failed        uint64    `json:"failed"`
	StoreFailures int       `json:"store_failures"`
	LastCycle     Cycle     `json:"last_cycle"`
}

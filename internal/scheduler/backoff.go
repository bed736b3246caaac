package scheduler

import (
	"math/rand"
	"time"

	"remindbot/internal/notifier"
)

// retryDelay returns the wait before retry number retry (1-based). A
// retry-after hint from the notifier replaces the exponential base.
func retryDelay(cfg DeliveryConfig, retry int, err error, rng *rand.Rand) time.Duration {
	d, ok := notifier.RetryAfterHint(err)
	if !ok {
		d = cfg.RetryBase
		for i := 1; i < retry && d < cfg.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	d = min(d, cfg.RetryMaxDelay)
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), cfg.RetryMaxDelay)
}

// storeBackoff is the wait after failures consecutive failed cycles.
func storeBackoff(cfg Config, failures int) time.Duration {
	d := cfg.StoreRetryBase
	for i := 1; i < failures && d < cfg.MaxIdle; i++ {
		d *= 2
	}
	return min(d, cfg.MaxIdle)
}

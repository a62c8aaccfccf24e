package dispatch

import (
	"math/rand/v2"
	"time"
)

// retryDelay is the wait before retry number attempt (1-based):
// base * 2^(attempt-1), jittered by 0.7..1.3 and capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

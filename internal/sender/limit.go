package sender

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limited wraps s with an outbound rate limit. Waiting counts against the
// caller's deadline; running out of time is a transient failure.
func Limited(s Sender, lim *rate.Limiter) Sender {
	if lim == nil {
		return s
	}
	return Func(func(ctx context.Context, contact, message string) error {
		if err := lim.Wait(ctx); err != nil {
			return Transient(fmt.Errorf("rate limit wait: %w", err))
		}
		return s.Send(ctx, contact, message)
	})
}

// NewLimiter builds a limiter for perSec sends per second. perSec <= 0
// disables limiting.
func NewLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"medremind/internal/reminder"
	"medremind/internal/store"
)

// Selector returns the capped due set for one cycle. Reminders past the cap
// stay eligible and are picked up by later cycles, earliest first.
type Selector struct {
	store store.Store
	limit atomic.Int64
}

func NewSelector(st store.Store, limit int) *Selector {
	s := &Selector{store: st}
	s.SetLimit(limit)
	return s
}

func (s *Selector) SetLimit(limit int) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	s.limit.Store(int64(limit))
}

func (s *Selector) Limit() int { return int(s.limit.Load()) }

func (s *Selector) Select(ctx context.Context, now time.Time) ([]reminder.Reminder, error) {
	return s.store.GetDue(ctx, now, s.Limit())
}

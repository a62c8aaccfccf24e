package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"medremind/internal/reminder"
	logx "medremind/pkg/logx"
)

// completion is the store work left after a confirmed delivery.
type completion struct {
	rem    reminder.Reminder
	sentAt time.Time
	marked bool
}

// writeBack holds completions whose store writes failed because the store
// was unavailable. It is flushed before each selection so a delivered
// occurrence is recorded before it could be picked again.
type writeBack struct {
	mu    sync.Mutex
	items []*completion
	ids   map[string]struct{}
}

func newWriteBack() *writeBack {
	return &writeBack{ids: map[string]struct{}{}}
}

func (w *writeBack) push(c *completion) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.ids[c.rem.ID]; ok {
		return
	}
	w.items = append(w.items, c)
	w.ids[c.rem.ID] = struct{}{}
}

func (w *writeBack) has(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.ids[id]
	return ok
}

func (w *writeBack) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// flush applies queued completions in order. It stops at the first
// store-unavailable error and keeps that item and the rest queued.
// Other errors drop the item.
func (w *writeBack) flush(ctx context.Context, log logx.Logger, apply func(context.Context, *completion) error) (int, error) {
	w.mu.Lock()
	pending := append([]*completion(nil), w.items...)
	w.mu.Unlock()

	done := 0
	var stopErr error
	for _, c := range pending {
		err := apply(ctx, c)
		if errors.Is(err, reminder.ErrStoreUnavailable) {
			stopErr = err
			break
		}
		if err != nil && !errors.Is(err, reminder.ErrConflict) {
			log.Warn("dropping deferred write", logx.String("reminder_id", c.rem.ID), logx.Owner(c.rem.OwnerID), logx.Err(err))
		}
		done++
	}

	w.mu.Lock()
	for _, c := range pending[:done] {
		delete(w.ids, c.rem.ID)
	}
	w.items = w.items[done:]
	w.mu.Unlock()
	return done, stopErr
}

// Package status reports dispatch health: the last poll, its outcome, the
// due backlog and the number of reminders waiting on their owners.
package status

import (
	"context"
	"sync"
	"time"

	"medremind/internal/clock"
	"medremind/internal/dispatch"
	"medremind/internal/reminder"
)

// Counter is the part of the store the tracker reads.
type Counter interface {
	CountDue(ctx context.Context, before time.Time) (int, error)
	CountState(ctx context.Context, state reminder.State) (int, error)
}

// Cycle is the summary of the last poll cycle.
type Cycle struct {
	Selected int           `json:"selected"`
	Sent     int           `json:"sent"`
	Retrying int           `json:"retrying"`
	Terminal int           `json:"terminal"`
	Conflict int           `json:"conflict"`
	Resumed  int           `json:"resumed"`
	Deferred int           `json:"deferred"`
	Took     time.Duration `json:"took_ns"`
}

type Snapshot struct {
	Worker     string    `json:"worker"`
	StartedAt  time.Time `json:"started_at"`
	LastPollAt time.Time `json:"last_poll_at,omitzero"`
	LastPollOK bool      `json:"last_poll_ok"`
	LastError  string    `json:"last_error,omitempty"`
	// ConsecutiveFailures counts aborted cycles since the last good one.
	ConsecutiveFailures int   `json:"consecutive_failures"`
	LastCycle           Cycle `json:"last_cycle"`

	Backlog        int       `json:"backlog"`
	FailedTerminal int       `json:"failed_terminal"`
	CountedAt      time.Time `json:"counted_at,omitzero"`
}

// Healthy reports whether a poll succeeded within maxStale of now.
// A worker that has not polled yet is healthy during its first maxStale.
func (s Snapshot) Healthy(now time.Time, maxStale time.Duration) bool {
	if s.LastPollAt.IsZero() {
		return now.Sub(s.StartedAt) <= maxStale
	}
	return s.LastPollOK && now.Sub(s.LastPollAt) <= maxStale
}

// Tracker implements dispatch.Observer.
type Tracker struct {
	counter Counter
	clock   clock.Clock

	mu   sync.RWMutex
	snap Snapshot
}

func NewTracker(worker string, c Counter, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.System(time.UTC)
	}
	return &Tracker{
		counter: c,
		clock:   clk,
		snap:    Snapshot{Worker: worker, StartedAt: clk.Now()},
	}
}

func (t *Tracker) ObserveCycle(r dispatch.Report) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.LastPollAt = r.Started
	t.snap.LastCycle = Cycle{
		Selected: r.Selected,
		Sent:     r.Sent,
		Retrying: r.Retrying,
		Terminal: r.Terminal,
		Conflict: r.Conflict,
		Resumed:  r.Resumed,
		Deferred: r.Deferred,
		Took:     r.Finished.Sub(r.Started),
	}
	if r.Err != nil {
		t.snap.LastPollOK = false
		t.snap.LastError = r.Err.Error()
		t.snap.ConsecutiveFailures++
		return
	}
	t.snap.LastPollOK = true
	t.snap.LastError = ""
	t.snap.ConsecutiveFailures = 0
}

// Refresh re-reads the backlog and terminal-failure counts from the store.
func (t *Tracker) Refresh(ctx context.Context) error {
	if t.counter == nil {
		return nil
	}
	now := t.clock.Now()
	due, err := t.counter.CountDue(ctx, now)
	if err != nil {
		return err
	}
	failed, err := t.counter.CountState(ctx, reminder.StateFailedTerminal)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.snap.Backlog = due
	t.snap.FailedTerminal = failed
	t.snap.CountedAt = now
	t.mu.Unlock()
	return nil
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

func (t *Tracker) Now() time.Time { return t.clock.Now() }

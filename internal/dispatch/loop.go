// Package dispatch runs the poll cycle: select due reminders, deliver each
// one, then record the outcome and advance its schedule.
//
// Several loops may share one store. Per occurrence, the store's claim and
// compare-and-swap writes are the only coordination between them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"medremind/internal/clock"
	"medremind/internal/recurrence"
	"medremind/internal/reminder"
	"medremind/internal/schedule"
	"medremind/internal/sender"
	"medremind/internal/store"
	logx "medremind/pkg/logx"
)

// ErrStopped is returned by RunOnce after the loop began shutting down.
var ErrStopped = errors.New("dispatch loop stopped")

// storeOpTimeout bounds each store write made for a single reminder.
const storeOpTimeout = 10 * time.Second

// Report summarizes one poll cycle.
type Report struct {
	Started  time.Time
	Finished time.Time
	Selected int
	Sent     int
	Retrying int
	Terminal int
	Conflict int
	// Resumed counts delivered occurrences rescheduled without a send.
	Resumed int
	// Deferred counts completions waiting in the write-back queue.
	Deferred int
	Err      error
}

// Observer receives one report per cycle.
type Observer interface {
	ObserveCycle(Report)
}

type outcome int

const (
	outSent outcome = iota
	outRetry
	outTerminal
	outConflict
	outResumed
	outSkipped
)

type Loop struct {
	store    store.Store
	sender   sender.Sender
	clock    clock.Clock
	log      logx.Logger
	selector *Selector
	pending  *writeBack

	mu       sync.RWMutex
	cfg      Config
	renderer *reminder.Renderer
	observer Observer

	trigger  chan struct{}
	reload   chan struct{}
	stopping atomic.Bool
	// cycleMu is held for the whole of a cycle.
	cycleMu sync.Mutex
}

// New builds a loop. A nil renderer uses the default message template.
func New(cfg Config, st store.Store, s sender.Sender, clk clock.Clock, r *reminder.Renderer, log logx.Logger) *Loop {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System(time.UTC)
	}
	if r == nil {
		r, _ = reminder.NewRenderer("")
	}
	return &Loop{
		store:    st,
		sender:   s,
		clock:    clk,
		log:      log.With(logx.String("comp", "dispatch"), logx.String("worker", cfg.WorkerID)),
		selector: NewSelector(st, cfg.BatchSize),
		pending:  newWriteBack(),
		cfg:      cfg,
		renderer: r,
		trigger:  make(chan struct{}, 1),
		reload:   make(chan struct{}, 1),
	}
}

func (l *Loop) config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Apply swaps the runtime config. A changed Schedule takes effect on the
// next tick; WorkerID is fixed at construction.
func (l *Loop) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	cfg.WorkerID = l.cfg.WorkerID
	old := l.cfg.Schedule
	l.cfg = cfg
	l.mu.Unlock()
	l.selector.SetLimit(cfg.BatchSize)
	if old != cfg.Schedule {
		select {
		case l.reload <- struct{}{}:
		default:
		}
	}
}

// SetRenderer replaces the message template.
func (l *Loop) SetRenderer(r *reminder.Renderer) {
	if r == nil {
		return
	}
	l.mu.Lock()
	l.renderer = r
	l.mu.Unlock()
}

func (l *Loop) SetObserver(o Observer) {
	l.mu.Lock()
	l.observer = o
	l.mu.Unlock()
}

// Trigger requests a cycle as soon as the loop is idle. Requests coalesce.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Run polls on the configured schedule until ctx is done, then waits for
// the cycle in flight. Cycles started by Run finish their sends and store
// writes even after ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	c, err := l.startCron()
	if err != nil {
		return err
	}
	l.stopping.Store(false)
	l.log.Info("dispatch loop started", logx.String("schedule", l.config().Schedule))
	l.Trigger()

	defer func() {
		l.stopping.Store(true)
		<-c.Stop().Done()
		l.log.Info("dispatch loop stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.reload:
			next, err := l.startCron()
			if err != nil {
				l.log.Error("invalid poll schedule; keeping previous", logx.Err(err))
				continue
			}
			<-c.Stop().Done()
			c = next
			l.log.Info("poll schedule changed", logx.String("schedule", l.config().Schedule))
		case <-l.trigger:
			if ctx.Err() != nil {
				return nil
			}
			_, _ = l.RunOnce(ctx)
		}
	}
}

func (l *Loop) startCron() (*cron.Cron, error) {
	spec, err := schedule.Parse(l.config().Schedule)
	if err != nil {
		return nil, fmt.Errorf("dispatch schedule: %w", err)
	}
	sched, err := spec.Schedule()
	if err != nil {
		return nil, fmt.Errorf("dispatch schedule: %w", err)
	}
	c := cron.New(cron.WithLocation(l.clock.Location()))
	c.Schedule(sched, cron.FuncJob(l.Trigger))
	c.Start()
	return c, nil
}

// Stop makes later RunOnce calls fail with ErrStopped and waits for the
// cycle in flight, or for ctx.
func (l *Loop) Stop(ctx context.Context) error {
	l.stopping.Store(true)
	done := make(chan struct{})
	go func() {
		l.cycleMu.Lock()
		l.cycleMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes one cycle: flush deferred writes, select, dispatch.
// A store outage aborts the cycle with ErrStoreUnavailable.
func (l *Loop) RunOnce(ctx context.Context) (Report, error) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	if l.stopping.Load() {
		return Report{}, ErrStopped
	}

	// In-flight work is not interrupted by shutdown.
	work := context.WithoutCancel(ctx)
	cfg := l.config()
	rep := Report{Started: l.clock.Now()}
	defer func() {
		rep.Finished = l.clock.Now()
		rep.Deferred = l.pending.len()
		l.mu.RLock()
		o := l.observer
		l.mu.RUnlock()
		if o != nil {
			o.ObserveCycle(rep)
		}
	}()

	if n, err := l.pending.flush(work, l.log, l.complete); err != nil {
		rep.Err = err
		l.log.Warn("store unavailable; skipping cycle", logx.Int("flushed", n), logx.Err(err))
		return rep, err
	} else if n > 0 {
		l.log.Info("deferred writes applied", logx.Int("count", n))
	}

	batch, err := l.selector.Select(work, rep.Started)
	if err != nil {
		rep.Err = err
		if errors.Is(err, reminder.ErrStoreUnavailable) {
			l.log.Warn("store unavailable; skipping cycle", logx.Err(err))
		} else {
			l.log.Error("select due reminders failed", logx.Err(err))
		}
		return rep, err
	}
	rep.Selected = len(batch)
	if len(batch) == 0 {
		l.log.Trace("no reminders due")
		return rep, nil
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, cfg.Concurrency)
	)
	for _, r := range batch {
		if l.pending.has(r.ID) {
			rep.Selected--
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(r reminder.Reminder) {
			defer wg.Done()
			defer func() { <-sem }()
			out := l.dispatchOne(work, cfg, r, rep.Started)
			mu.Lock()
			switch out {
			case outSent:
				rep.Sent++
			case outRetry:
				rep.Retrying++
			case outTerminal:
				rep.Terminal++
			case outConflict:
				rep.Conflict++
			case outResumed:
				rep.Resumed++
			}
			mu.Unlock()
		}(r)
	}
	wg.Wait()

	l.log.Debug("cycle complete",
		logx.Int("selected", rep.Selected),
		logx.Int("sent", rep.Sent),
		logx.Int("retrying", rep.Retrying),
		logx.Int("terminal", rep.Terminal),
		logx.Int("conflict", rep.Conflict),
		logx.Int("resumed", rep.Resumed),
	)
	return rep, nil
}

func (l *Loop) currentRenderer() *reminder.Renderer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.renderer
}

// dispatchOne never panics and never returns an error: every failure is
// recorded on the reminder or logged.
func (l *Loop) dispatchOne(ctx context.Context, cfg Config, r reminder.Reminder, now time.Time) (out outcome) {
	log := l.log.With(logx.String("reminder_id", r.ID), logx.Owner(r.OwnerID))
	defer func() {
		if p := recover(); p != nil {
			log.Error("dispatch panic", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			out = outSkipped
		}
	}()

	if r.Stranded() {
		return l.resume(ctx, log, r)
	}

	occ := r.NextDueAt
	lease := store.Lease{Worker: cfg.WorkerID, Now: now, Until: now.Add(cfg.Lease)}
	if err := l.withStore(ctx, func(c context.Context) error { return l.store.Claim(c, r.ID, occ, lease) }); err != nil {
		if errors.Is(err, reminder.ErrConflict) {
			log.Debug("claim conflict; occurrence handled elsewhere")
			return outConflict
		}
		log.Warn("claim failed", logx.Err(err))
		return outSkipped
	}

	msg, err := l.currentRenderer().Render(r)
	if err != nil {
		return l.fail(ctx, cfg, log, r, sender.Permanent(err))
	}

	sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err = l.sender.Send(sendCtx, r.RecipientContact, msg)
	timedOut := errors.Is(sendCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			err = sender.Transient(fmt.Errorf("send timed out after %s: %w", cfg.SendTimeout, err))
		}
		return l.fail(ctx, cfg, log, r, err)
	}

	c := &completion{rem: r, sentAt: l.clock.Now()}
	if err := l.complete(ctx, c); err != nil {
		switch {
		case errors.Is(err, reminder.ErrStoreUnavailable):
			l.pending.push(c)
			log.Warn("delivered but store unavailable; write deferred", logx.Bool("marked", c.marked), logx.Err(err))
		case errors.Is(err, reminder.ErrConflict):
			log.Debug("mark sent conflict; dropped")
			return outConflict
		default:
			log.Error("record delivery failed", logx.Err(err))
		}
	}
	return outSent
}

// resume moves on a recurring reminder found in sent: its delivery was
// recorded by an earlier cycle, possibly in another process, but the
// reschedule was lost. Nothing is sent.
func (l *Loop) resume(ctx context.Context, log logx.Logger, r reminder.Reminder) outcome {
	c := &completion{rem: r, sentAt: r.LastSentAt, marked: true}
	err := l.complete(ctx, c)
	switch {
	case err == nil:
		log.Warn("rescheduled delivered occurrence", logx.Time("occurrence", r.NextDueAt))
		return outResumed
	case errors.Is(err, reminder.ErrStoreUnavailable):
		l.pending.push(c)
		log.Warn("reschedule deferred; store unavailable", logx.Err(err))
		return outResumed
	case errors.Is(err, reminder.ErrConflict):
		log.Debug("reschedule conflict; occurrence handled elsewhere")
		return outConflict
	default:
		log.Error("reschedule of delivered occurrence failed", logx.Err(err))
		return outSkipped
	}
}

func (l *Loop) withStore(ctx context.Context, fn func(context.Context) error) error {
	c, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	return fn(c)
}

// complete records a delivery then moves the reminder to its next
// occurrence. It is resumable: a completion that was marked but not
// rescheduled picks up at the reschedule.
func (l *Loop) complete(ctx context.Context, c *completion) error {
	r := c.rem
	if !c.marked {
		err := l.withStore(ctx, func(cx context.Context) error {
			return l.store.MarkSent(cx, r.ID, r.NextDueAt, c.sentAt)
		})
		if err != nil {
			return err
		}
		c.marked = true
	}

	now := l.clock.Now()
	o, err := recurrence.ForReminder(r, now)
	if err != nil {
		return fmt.Errorf("next occurrence of %s: %w", r.ID, err)
	}
	if o.Terminal {
		return nil
	}
	if o.Skipped > 0 {
		l.log.Info("occurrences skipped after delay",
			logx.String("reminder_id", r.ID), logx.Owner(r.OwnerID), logx.Int("skipped", o.Skipped))
	}
	return l.withStore(ctx, func(cx context.Context) error {
		return l.store.Reschedule(cx, r.ID, r.NextDueAt, o.Next, o.Skipped)
	})
}

func (l *Loop) fail(ctx context.Context, cfg Config, log logx.Logger, r reminder.Reminder, cause error) outcome {
	now := l.clock.Now()
	terminal := sender.IsPermanent(cause) || r.RetryCount >= cfg.RetryMax
	f := store.Failure{Reason: cause.Error(), Terminal: terminal}
	if !terminal {
		f.RetryAt = now.Add(retryDelay(cfg, r.RetryCount+1))
	}

	err := l.withStore(ctx, func(c context.Context) error { return l.store.MarkFailed(c, r.ID, r.NextDueAt, f) })
	switch {
	case errors.Is(err, reminder.ErrConflict):
		log.Debug("mark failed conflict; dropped")
		return outConflict
	case err != nil:
		// The lease expires and the occurrence is retried.
		log.Warn("record failure failed", logx.Err(err), logx.String("cause", cause.Error()))
		return outSkipped
	}

	if terminal {
		log.Warn("reminder failed terminally", logx.Err(cause), logx.Int("retries", r.RetryCount))
		return outTerminal
	}
	log.Info("delivery failed; retry scheduled",
		logx.Err(cause), logx.Int("retry", r.RetryCount+1), logx.Time("retry_at", f.RetryAt))
	return outRetry
}

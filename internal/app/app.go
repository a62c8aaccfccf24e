package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"medremind/internal/clock"
	"medremind/internal/config"
	"medremind/internal/dispatch"
	"medremind/internal/reminder"
	rtsup "medremind/internal/runtime/supervisor"
	"medremind/internal/status"
	"medremind/internal/store"
	logx "medremind/pkg/logx"
	"medremind/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	clock     clock.Clock
	store     store.Store
	closeSend func()

	loop      *dispatch.Loop
	reminders *reminder.Service
	tracker   *status.Tracker
	server    *status.Server
	pub       *status.Publisher

	workerID   string
	staleAfter atomic.Int64 // time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewApp loads cfgPath and builds every component. Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	return newApp(ctx, cfgm)
}

func newApp(ctx context.Context, cfgm *config.ConfigManager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	loc, err := clock.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	clk := clock.System(loc)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	senders, err := mapSenderConfig(cfg)
	if err != nil {
		return nil, err
	}
	stc, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}
	rc, err := mapRedisConfig(cfg)
	if err != nil {
		return nil, err
	}
	renderer, err := reminder.NewRenderer(cfg.Message.Template)
	if err != nil {
		return nil, fmt.Errorf("message.template: %w", err)
	}

	st, err := store.Open(ctx, sc, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	send, closeSend, err := buildSender(senders, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	loop := dispatch.New(dc, st, send, clk, renderer, log.With(logx.String("comp", "dispatch")))
	tracker := status.NewTracker(dc.WorkerID, st, clk)
	loop.SetObserver(tracker)

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		clock:     clk,
		store:     st,
		closeSend: closeSend,
		loop:      loop,
		reminders: reminder.NewService(st, clk, log.With(logx.String("comp", "reminders"))),
		tracker:   tracker,
		server:    status.NewServer(stc, tracker, log.With(logx.String("comp", "status"))),
		workerID:  dc.WorkerID,
	}
	a.staleAfter.Store(int64(stc.StaleAfter()))
	if rc.Enabled {
		a.pub = status.NewPublisher(rc, status.NewRedisClient(rc), tracker, log)
	}
	return a, nil
}

// Reminders is the owner-scoped write path for the CRUD layer.
func (a *App) Reminders() *reminder.Service { return a.reminders }

func (a *App) Store() store.Store { return a.store }

func (a *App) Status() status.Snapshot { return a.tracker.Snapshot() }

// Healthy reports whether the last poll succeeded recently enough.
func (a *App) Healthy() bool {
	return a.tracker.Snapshot().Healthy(a.clock.Now(), time.Duration(a.staleAfter.Load()))
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	if err := a.store.Ping(ctx); err != nil {
		a.log.Warn("store not reachable at startup; dispatch will retry each cycle", logx.Err(err))
	}

	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	a.sup.GoRestart("dispatch.loop", a.loop.Run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	)
	a.server.Start(a.sup.Context())
	if a.pub != nil {
		a.sup.GoRestart("status.redis", a.pub.Run,
			rtsup.WithRestartBackoff(time.Second, time.Minute),
		)
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c, a.Healthy); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("worker", a.workerID))
	return nil
}

// applyConfig pushes the live-reloadable parts of newCfg into running
// components. Invalid sections keep their previous values.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if dc, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.loop.Apply(dc)
	}

	if r, err := reminder.NewRenderer(newCfg.Message.Template); err != nil {
		a.log.Warn("invalid message template; keeping previous", logx.Err(err))
	} else {
		a.loop.SetRenderer(r)
	}

	if stc, err := mapStatusConfig(newCfg); err != nil {
		a.log.Warn("invalid status config; keeping previous", logx.Err(err))
	} else {
		a.server.Reconfigure(ctx, stc)
		a.staleAfter.Store(int64(stc.StaleAfter()))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the loop refuses new cycles; in-flight sends finish on their own timeout.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("dispatch", 45*time.Second, a.loop.Stop)
	step("status", 2*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("resources", 0, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() error {
	a.closeOnce.Do(func() {
		if a.closeSend != nil {
			a.closeSend()
		}
		var errs []error
		if a.pub != nil {
			errs = append(errs, a.pub.Close())
		}
		errs = append(errs, a.store.Close())
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"tgload/internal/access"
	"tgload/internal/config"
	"tgload/internal/dispatch"
	"tgload/internal/eventbus"
	"tgload/internal/features"
	"tgload/internal/isolate"
	"tgload/internal/jobs"
	"tgload/internal/messages"
	"tgload/internal/notifier/broadcast"
	"tgload/internal/observability/debughttp"
	"tgload/internal/observability/metrics"
	"tgload/internal/runtime/supervisor"
	"tgload/internal/state"
	"tgload/internal/storage"
	"tgload/internal/task/maintenance"
	"tgload/internal/task/scheduler"
	kit "tgload/internal/transport"
	"tgload/internal/transport/telegram/adapter"
	"tgload/internal/transport/telegram/router"
	logx "tgload/pkg/logx"
	"tgload/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	backend storage.Store
	state   *state.Store
	admins  *access.Admins
	msgs    *messages.Catalog

	adapter *adapter.Adapter
	jobs    *jobs.Scheduler
	handler *dispatch.Handler
	bcast   *broadcast.Service
	router  *router.Router
	sched   *scheduler.Service
	debug   *debughttp.Server
	metrics *metrics.Metrics

	maint maintenance.Config

	updates chan kit.Update
}

// NewApp loads and validates the config and wires every component. Nothing
// is started yet.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	// Fetch workers resolve the same file regardless of their cwd.
	if abs, err := filepath.Abs(cfgPath); err == nil {
		cfgPath = abs
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ac, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := adapter.New(ac, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	ad.SetLogger(log.With(logx.String("comp", "telegram")))
	appLog := log.With(logx.String("comp", "app"))

	msgs, err := messages.New(cfg.Messages)
	if err != nil {
		return nil, err
	}
	name, username := ad.Me()
	msgs.SetBot(name, username)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	st, err := state.Open(ctx, backend, cfg.DefaultFeatures(), log)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	jc, err := mapJobsConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	maint, err := mapMaintenanceConfig(cfg, jc)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	bus := eventbus.New()
	admins := access.NewAdmins(cfg.Telegram.AdminIDs)
	gate := access.NewGate(st, log)

	launcher := dispatch.NewLauncher(&isolate.Launcher{
		Args: []string{"fetch", "-config", cfgPath},
		Log:  log.With(logx.String("comp", "isolate")),
	}, maint.WorkRoot, log)
	js := jobs.New(jc, launcher, bus, log)

	handler := dispatch.NewHandler(ctx, dispatch.Config{WorkRoot: maint.WorkRoot}, dispatch.Deps{
		Gate:     gate,
		Chats:    st,
		Jobs:     js,
		Out:      ad,
		Messages: msgs,
		Log:      log,
	})

	bc := broadcast.New(mapBroadcastConfig(cfg), st, ad, log.With(logx.String("comp", "broadcast")))

	rt := router.New(router.Config{}, router.Deps{
		Out:       ad,
		Content:   handler,
		Features:  features.New(st, admins),
		Gate:      gate,
		Admins:    admins,
		State:     st,
		Messages:  msgs,
		Broadcast: bc,
		Jobs:      js,
		Log:       log,
	})
	rt.SetBotUsername(username)

	sched := scheduler.New(scheduler.Config{}, log, bus)
	if err := maintenance.Register(sched, maint, st, log.With(logx.String("comp", "maintenance"))); err != nil {
		_ = st.Close()
		return nil, err
	}

	dbg := debughttp.New(log.With(logx.String("comp", "debug")), nil)
	dbg.Handle("jobs", func() any { return js.Snapshot() })
	dbg.Handle("tasks", func() any { return sched.Snapshot() })
	dbg.Handle("events", func() any { return map[string]uint64{"dropped": bus.Dropped()} })
	mets := metrics.New(metrics.Sources{Jobs: js.Snapshot, Dropped: bus.Dropped})
	dbg.Mount("/metrics", mets.Handler())

	appLog.Info("app configured",
		logx.String("bot", username),
		logx.String("state_driver", sc.Driver),
		logx.Int("admins", len(cfg.Telegram.AdminIDs)),
		logx.String("work_root", maint.WorkRoot),
	)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		backend: backend,
		state:   st,
		admins:  admins,
		msgs:    msgs,
		adapter: ad,
		jobs:    js,
		handler: handler,
		bcast:   bc,
		router:  rt,
		sched:   sched,
		debug:   dbg,
		metrics: mets,
		maint:   maint,
		updates: make(chan kit.Update, 256),
	}, nil
}

// validate is the config gate for both startup and hot reload.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	jc, err := mapJobsConfig(cfg)
	if err != nil {
		return err
	}
	_, err = mapMaintenanceConfig(cfg, jc)
	return err
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
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Leftovers of a previous run cannot belong to a live job.
	if n, err := maintenance.SweepWorkDir(ctx, a.maint.WorkRoot, 0, time.Now()); err != nil {
		a.log.Warn("work dir cleanup failed", logx.String("root", a.maint.WorkRoot), logx.Err(err))
	} else if n > 0 {
		a.log.Info("stale work dirs removed", logx.Int("count", n))
	}

	if err := a.jobs.Start(a.sup.Context()); err != nil {
		return err
	}
	a.bcast.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go0("telegram.menu", func(c context.Context) { a.router.PublishMenu(c, a.adapter) })

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	// Debug trail of job and task events.
	events, unsub := a.bus.Subscribe(128, "job.", "task.")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	mevents, munsub := a.bus.Subscribe(256, metrics.Prefixes...)
	a.sup.Go0("metrics.events", func(c context.Context) {
		defer munsub()
		a.metrics.Run(c, mevents)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.Watchdog(c, iv, func() bool { return a.sup.Err() == nil })
		})
	}
	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}

	a.debugHealth()
	if err := a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(a.cfgm.Get())); err != nil {
		a.log.Warn("debug server not started", logx.Err(err))
	}

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Stop intake first, then drain work, then persistence.
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("broadcast", 3*time.Second, func(c context.Context) error { a.bcast.Stop(c); return nil })
	step("jobs", 15*time.Second, func(c context.Context) error {
		if err := a.jobs.Stop(c); err != nil && !errors.Is(err, jobs.ErrStopped) {
			return err
		}
		return nil
	})
	step("state", 2*time.Second, func(context.Context) error { return a.state.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// debugHealth points /healthz at the supervisor's first fatal error.
func (a *App) debugHealth() {
	sup := a.sup
	a.debug.SetHealth(func() error { return sup.Err() })
}

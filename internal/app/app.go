package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"remindbot/internal/commands"
	"remindbot/internal/config"
	"remindbot/internal/dispatch"
	"remindbot/internal/eventbus"
	"remindbot/internal/guildstore"
	"remindbot/internal/reminders"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
	"remindbot/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	backend storage.Store
	guilds  *guildstore.Store

	adapter transport.Adapter
	disp    *dispatch.Dispatcher
	sched   *scheduler.Scheduler
	svc     *reminders.Service
	router  *commands.Router
	sd      *systemd.Notifier

	updates chan transport.Update

	stopOnce sync.Once
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg, nil)
}

// newApp wires components. A non-nil adapter replaces the platform one.
func newApp(cfgm *config.ConfigManager, cfg *config.Config, ad transport.Adapter) (*App, error) {
	// The chat sink is attached after the adapter exists.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	log = log.With(logx.String("comp", "app"))

	if ad == nil {
		var err error
		ad, err = newAdapter(cfg, log)
		if err != nil {
			logSvc.Close()
			return nil, err
		}
	}
	logSvc.SetSender(ad)

	openCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	backend, err := OpenStorage(openCtx, cfg, log)
	cancel()
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	guilds := guildstore.New(backend, log)
	disp := dispatch.New(ad, mapDispatchConfig(cfg), log, bus)
	disp.SetMention(ad.Mention)
	sched := scheduler.New(guilds, disp, mapSchedulerConfig(cfg), log, bus)
	svc := reminders.New(guilds, mapRemindersConfig(cfg), log, bus)
	svc.SetTrigger(sched)
	router := commands.NewRouter(svc, ad, guilds, cfg.CommandPrefix(), log)

	return &App{
		cfgPath: cfgm.Path(),
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		backend: backend,
		guilds:  guilds,
		adapter: ad,
		disp:    disp,
		sched:   sched,
		svc:     svc,
		router:  router,
		sd:      systemd.NewNotifier(cfg.Systemd.Notify, log),
		updates: make(chan transport.Update, 256),
	}, nil
}

// Reminders exposes the reminder operations.
func (a *App) Reminders() *reminders.Service { return a.svc }

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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		return nil
	})

	a.preload(a.sup.Context())

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	a.sup.Go("commands.serve", func(c context.Context) error {
		return a.router.Serve(c, a.updates)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start %s: %w", a.adapter.Name(), err)
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
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
					// Scans run every few seconds; keep this at trace.
					if e.Type == eventbus.ScanCompleted {
						a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
						continue
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.Watchdog(c, a.healthy)
	})

	a.sd.Ready()
	a.sd.Status("running on " + a.adapter.Name())
	a.log.Info("app started", logx.String("platform", a.adapter.Name()))
	return nil
}

// preload loads every persisted guild so reminders fire without waiting
// for the platform to announce guilds.
func (a *App) preload(ctx context.Context) {
	lctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	ids, err := a.backend.ListGuildIDs(lctx)
	if err != nil {
		a.log.Warn("list stored guilds failed", logx.Err(err))
		return
	}
	failed := 0
	for _, id := range ids {
		if err := a.guilds.Preload(lctx, id); err != nil {
			failed++
			a.log.Warn("preload guild failed", logx.String("guild", id), logx.Err(err))
		}
	}
	a.log.Info("guilds preloaded", logx.Int("count", len(ids)-failed), logx.Int("failed", failed))
}

// healthy reports whether the scan loop has run recently.
func (a *App) healthy() bool {
	rep := a.sched.LastReport()
	if rep.At.IsZero() {
		return true
	}
	return time.Since(rep.At) < max(3*config.MaxScanInterval, time.Minute)
}

func (a *App) applyConfig(prev, next *config.Config) {
	if next == nil {
		return
	}
	if sections := restartSections(prev, next); len(sections) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(sections, ",")))
	}

	a.logs.Apply(mapLogConfig(next))
	a.sched.Apply(mapSchedulerConfig(next))
	a.disp.Apply(mapDispatchConfig(next))
	a.svc.Apply(mapRemindersConfig(next))
	a.router.SetPrefix(next.CommandPrefix())

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now()})
	}
	a.log.Info("config reloaded",
		logx.Duration("scan_interval", next.Reminders.ScanIntervalOrDefault()),
		logx.Int("delivery_rate", next.Reminders.DeliveryRateOrDefault()),
		logx.String("prefix", next.CommandPrefix()))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sd.Status("stopping: " + string(reason))

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Inbound first so no new reminders arrive during the final flush.
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("scheduler", 5*time.Second, func(c context.Context) error { return a.sched.Stop(c) })
	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("guildstore", 5*time.Second, func(c context.Context) error { return a.guilds.Close(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.backend.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	if len(errs) > 0 {
		return fmt.Errorf("stop: %d step(s) failed: %w", len(errs), errs[0])
	}
	return nil
}

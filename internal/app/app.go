package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mirrorbot/internal/config"
	"mirrorbot/internal/eventbus"
	"mirrorbot/internal/mapping"
	"mirrorbot/internal/mirror"
	"mirrorbot/internal/notifier"
	rtsup "mirrorbot/internal/runtime/supervisor"
	"mirrorbot/internal/status"
	"mirrorbot/internal/storage"
	"mirrorbot/internal/transport/telegram"
	logx "mirrorbot/pkg/logx"
)

type App struct {
	cfgPath string
	opts    options

	cfgm *ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter  *telegram.Adapter
	registry *mapping.Registry
	engine   *mirror.Engine
	notif    *notifier.Service
	status   *status.Service
	report   *reporter
}

type options struct {
	noPolling bool
}

type Option func(*options)

// WithoutPolling builds the app for one-shot jobs such as a CLI
// backfill: no update polling, status server, report or config watch.
func WithoutPolling() Option { return func(o *options) { o.noPolling = true } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	// Logging comes up first so every later component logs through it.
	// The Telegram sink is attached once the notifier exists.
	logSvc, log := logx.NewService(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	var store storage.Store
	fail := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return fail(err)
	}
	ad, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fail(err)
	}

	bus := eventbus.New(256)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	store, err = storage.Open(sc, log)
	if err != nil {
		return fail(err)
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	registry, err := mapping.New(context.Background(), store, mapRoutes(cfg), log.With(logx.String("comp", "mapping")))
	if err != nil {
		return fail(err)
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus, store)
	notif.SetTarget(notifierTarget(cfg))
	logSvc.SetSink(notif)

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	eng, err := mirror.New(ecfg, mirror.Deps{
		Transport: ad,
		Mapping:   registry,
		Sink:      notif,
		Bus:       bus,
		Log:       log.With(logx.String("comp", "mirror")),
	})
	if err != nil {
		return fail(err)
	}

	a := &App{
		cfgPath:  cfgPath,
		opts:     o,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		registry: registry,
		engine:   eng,
		notif:    notif,
		report:   newReporter(log.With(logx.String("comp", "report")), registry, eng, notif),
	}

	stc, err := mapStatusConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.status = status.New(stc, status.Deps{
		Engine:  eng,
		Routes:  registry,
		Notices: notif,
		Bus:     bus,
		Go:      a.goJob,
	}, log.With(logx.String("comp", "status")))

	return a, nil
}

// goJob runs a long job under the app supervisor.
func (a *App) goJob(name string, fn func(ctx context.Context)) {
	if a.sup == nil {
		go fn(context.Background())
		return
	}
	a.sup.Go0(name, fn)
}

// Engine exposes the relay engine.
func (a *App) Engine() *mirror.Engine { return a.engine }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if err := a.engine.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.opts.noPolling {
		a.log.Info("app started (no polling)")
		return nil
	}

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStatusConfig(cfg); err != nil {
			return err
		}
		if _, _, err := reportSchedule(cfg); err != nil {
			return fmt.Errorf("monitor.timezone: %w", err)
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.engine); err != nil {
		return err
	}
	a.status.Start(a.sup.Context())

	cfg := a.cfgm.Get()
	if spec, loc, err := reportSchedule(cfg); err != nil {
		a.log.Warn("stats report not scheduled", logx.Err(err))
	} else if err := a.report.Schedule(spec, loc); err != nil {
		a.log.Warn("stats report not scheduled", logx.Err(err))
	}

	// Log bus events for debugging; components subscribe on their own.
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
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
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
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log.With(logx.String("comp", "systemd")), a.engine.Healthy)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("bot", a.adapter.Username()), logx.Int("sources", len(a.registry.Sources())))
	return nil
}

// applyConfig pushes a validated config to every live component.
func (a *App) applyConfig(ctx context.Context, prev, next *Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(next))

	a.notif.SetTarget(notifierTarget(next))
	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if err := a.registry.Apply(mapRoutes(next)); err != nil {
		a.log.Warn("invalid routes; keeping previous", logx.Err(err))
	}

	if ecfg, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ecfg)
	}

	if stc, err := mapStatusConfig(next); err != nil {
		a.log.Warn("invalid status config; keeping previous", logx.Err(err))
	} else {
		a.status.Reconfigure(ctx, stc)
	}

	if spec, loc, err := reportSchedule(next); err != nil {
		a.log.Warn("invalid report schedule; keeping previous", logx.Err(err))
	} else if err := a.report.Schedule(spec, loc); err != nil {
		a.log.Warn("invalid report schedule; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// RunBackfill starts the engine without polling, runs one backfill and
// returns its report. Stop must still be called.
func (a *App) RunBackfill(ctx context.Context, req mirror.BackfillRequest) (mirror.BackfillReport, error) {
	if a.sup == nil {
		if err := a.Start(ctx); err != nil {
			return mirror.BackfillReport{}, err
		}
	}
	rep, err := a.engine.Backfill(a.sup.Context(), req)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		rep.Cancelled = true
	}
	return rep, err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Adapter and engine drain under their own supervisors, so the app
	// context is canceled only after they are down.
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log when it finally returns.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
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

	step("report", time.Second, func(c context.Context) error { a.report.Stop(c); return nil })
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	if !a.opts.noPolling {
		step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	step("engine", 5*time.Second, func(c context.Context) error { return a.engine.Stop(c) })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

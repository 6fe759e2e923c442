package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"heraldbot/internal/commands"
	"heraldbot/internal/config"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/logging"
	"heraldbot/internal/runtime/supervisor"
	logx "heraldbot/pkg/logx"
)

// Done is closed when the app supervisor context is canceled (fatal error or
// Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.lx.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.lx.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Validate() already ran in Parse; check what it can't see.
		for i, rc := range cfg.Rules {
			r, err := ruleFromConfig(rc)
			if err != nil {
				return fmt.Errorf("rules[%d]: %w", i, err)
			}
			if err := checkRuleContent(a.cat, r); err != nil {
				return fmt.Errorf("rules[%d]: %w", i, err)
			}
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.disp.Start(a.sup.Context()); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())
	if a.trig.Enabled() {
		a.trig.Start(a.sup.Context())
	}

	a.sup.Go("router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	// A fatal dispatch classification pauses scheduling until an operator
	// resumes it.
	a.sup.Go0("fatal.watch", func(c context.Context) {
		ch, unsub := a.bus.Subscribe(8)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Type == eventbus.TypeDispatchFatal {
					a.log.Error("pausing scheduler after dispatch abort")
					a.trig.Pause()
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.lxSvc.Apply(logx.Config{Level: cfg.Logging.Level, Console: cfg.ConsoleLogging()})

	a.router.SetOwners(cfg.Telegram.OwnerUserIDs)

	prevEnabled := a.trig.Enabled()
	a.trig.Apply(triggerConfig(cfg))
	if err := a.installRules(cfg); err != nil {
		// Validator should have caught this; keep the old rules.
		a.log.Warn("rule reload failed; keeping previous rules", slog.Any("err", err))
	}
	switch {
	case prevEnabled && !cfg.SchedulerEnabled():
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.trig.Stop(stopCtx)
		cancel()
	case !prevEnabled && cfg.SchedulerEnabled():
		a.log.Info("scheduler enabled via config")
		a.trig.Start(ctx)
	}

	a.disp.Apply(dispatchConfig(cfg))
	a.notif.Apply(notifierConfig(cfg))

	for _, id := range cfg.Destinations {
		a.reg.Add(id)
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Stop intake and timers first so nothing new enters the dispatcher,
	// then give in-flight deliveries their grace.
	a.step(ctx, "trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	a.step(ctx, "dispatcher", 12*time.Second, func(c context.Context) error { return a.disp.Stop(c) })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", slog.Any("err", err))
		}
	}
	a.log.Info("stopped")
	a.logs.Close()
	_ = a.lxSvc.Close()
	return nil
}

// step runs one shutdown phase with an upper bound so a single component
// cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()

	stepCtx := ctx
	var cancel context.CancelFunc
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
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
			a.log.Warn("stop step error", slog.String("name", name), slog.Any("err", err))
		} else {
			a.log.Debug("stop step done", slog.String("name", name), slog.Duration("took", time.Since(start)))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", slog.String("name", name), slog.Duration("elapsed", time.Since(start)))
	}
}

// Router is exposed for tests that feed synthetic updates.
func (a *App) Router() *commands.Router { return a.router }

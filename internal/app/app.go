// Package app wires the delivery engine together: gateway adapter, content
// catalog, destination registry, trigger scheduler, dispatcher, engagement
// tracker, operator notifier and the update router.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"heraldbot/internal/catalog"
	"heraldbot/internal/commands"
	"heraldbot/internal/config"
	"heraldbot/internal/dispatch"
	"heraldbot/internal/engagement"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/logging"
	"heraldbot/internal/notify"
	"heraldbot/internal/registry"
	"heraldbot/internal/runtime/supervisor"
	"heraldbot/internal/storage"
	kit "heraldbot/internal/transport"
	"heraldbot/internal/transport/telegram"
	"heraldbot/internal/trigger"
	logx "heraldbot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log   *slog.Logger
	logs  *logging.Service
	lx    logx.Logger
	lxSvc *logx.Service

	adapter *telegram.Adapter
	bus     eventbus.Bus
	store   storage.Store

	cat    *catalog.Catalog
	reg    *registry.Registry
	trig   *trigger.Service
	disp   *dispatch.Service
	eng    *engagement.Tracker
	notif  *notify.Service
	router *commands.Router

	updates chan kit.Update
}

func New(cfgPath string, token string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if token == "" {
		token = cfg.Telegram.Token
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram token missing: set telegram.token or HERALDBOT_TOKEN")
	}

	// Two loggers on purpose: slog for the engine services, zerolog-backed
	// logx for the infrastructure bits (config watcher, storage, supervisor).
	logSvc, log := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	lxSvc, lx := logx.New(logx.Config{Level: cfg.Logging.Level, Console: cfg.ConsoleLogging()})

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       token,
		PollTimeout: pollTimeout,
	}, log.With(slog.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	var store storage.Store
	if cfg.Storage != nil {
		busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, lx.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	bus := eventbus.New()
	reg := registry.New(log.With(slog.String("comp", "registry")))
	for _, id := range cfg.Destinations {
		reg.Add(id)
	}

	trig := trigger.New(triggerConfig(cfg), log.With(slog.String("comp", "trigger")))
	disp := dispatch.New(dispatchConfig(cfg), log.With(slog.String("comp", "dispatch")),
		ad, reg, cat, trig, bus, store)
	trig.SetHandler(func(ctx context.Context, r trigger.Rule) {
		disp.Dispatch(ctx, r)
	})

	eng := engagement.New(log.With(slog.String("comp", "engagement")), bus, store, disp)

	notif := notify.New(notifierConfig(cfg), ad, log.With(slog.String("comp", "notify")), bus)

	router := commands.NewRouter(log.With(slog.String("comp", "commands")),
		ad, reg, eng, cfg.Telegram.OwnerUserIDs)
	router.Register(commands.Builtin(&commands.Services{
		Trigger:    trig,
		Dispatch:   disp,
		Engagement: eng,
		Registry:   reg,
		SelfID:     ad.Me(),
	})...)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(slog.String("comp", "app")),
		logs:    logSvc,
		lx:      lx,
		lxSvc:   lxSvc,
		adapter: ad,
		bus:     bus,
		store:   store,
		cat:     cat,
		reg:     reg,
		trig:    trig,
		disp:    disp,
		eng:     eng,
		notif:   notif,
		router:  router,
		updates: make(chan kit.Update, 256),
	}
	if err := a.installRules(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

func triggerConfig(cfg *config.Config) trigger.Config {
	tick, _ := config.ParseDurationField("scheduler.tick_interval", cfg.Scheduler.TickInterval)
	return trigger.Config{
		Enabled:      cfg.SchedulerEnabled(),
		Timezone:     cfg.Scheduler.Timezone,
		TickInterval: tick,
	}
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	d := cfg.Dispatch
	if d == nil {
		return dispatch.Config{FollowUpAfter: 6 * time.Hour}
	}
	base, _ := config.ParseDurationField("dispatch.retry_base", d.RetryBase)
	maxDelay, _ := config.ParseDurationField("dispatch.retry_max_delay", d.RetryMaxDelay)
	follow, _ := config.ParseDurationOrDefault("dispatch.follow_up_after", d.FollowUpAfter, 6*time.Hour)
	grace, _ := config.ParseDurationField("dispatch.shutdown_grace", d.ShutdownGrace)
	retryMax := 0 // unset: dispatch applies its default
	if d.RetryMax != nil {
		retryMax = *d.RetryMax
		if retryMax <= 0 {
			retryMax = -1 // explicit zero disables retries
		}
	}
	return dispatch.Config{
		Workers:       d.Workers,
		RatePerSec:    d.RatePerSec,
		RetryMax:      retryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		HistorySize:   d.HistorySize,
		FollowUpAfter: follow,
		ShutdownGrace: grace,
	}
}

func notifierConfig(cfg *config.Config) notify.Config {
	out := notify.Config{
		ChatID:   cfg.Telegram.GroupLog,
		ThreadID: cfg.Telegram.LogThreadID,
	}
	n := cfg.Notifier
	if n == nil {
		// With a log chat configured the notifier defaults to on.
		out.Enabled = cfg.Telegram.GroupLog != 0
		return out
	}
	out.Enabled = n.Enabled && cfg.Telegram.GroupLog != 0
	out.Workers = n.Workers
	out.QueueSize = n.QueueSize
	out.RatePerSec = n.RatePerSec
	out.RetryMax = n.RetryMax
	out.RetryBase, _ = config.ParseDurationField("notifier.retry_base", n.RetryBase)
	out.RetryMaxDelay, _ = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	out.DedupWindow, _ = config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	out.DedupMaxEntries = n.DedupMaxEntries
	return out
}

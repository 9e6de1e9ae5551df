// Package app wires councilbot together: config, logging, storage, the task
// engine, the Discord transport and the domain services, plus their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"councilbot/internal/clock"
	"councilbot/internal/config"
	"councilbot/internal/eventbus"
	"councilbot/internal/notifier"
	"councilbot/internal/observability/diag"
	"councilbot/internal/review"
	"councilbot/internal/roles"
	"councilbot/internal/router"
	"councilbot/internal/runtime/sdnotify"
	"councilbot/internal/runtime/supervisor"
	"councilbot/internal/storage"
	"councilbot/internal/task/engine"
	"councilbot/internal/task/scheduler"
	kit "councilbot/internal/transport"
	"councilbot/internal/transport/discord"
	"councilbot/internal/votes"
	logx "councilbot/pkg/logx"
)

const (
	reconcileTaskName  = "roles.reconcile"
	dedupPruneTaskName = "notifier.dedup_prune"
)

type App struct {
	cfgm *config.ConfigManager
	live *config.Live
	sup  *supervisor.Supervisor
	sd   *sdnotify.Notifier

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	clk  clock.Clock

	store   *storage.Store
	adapter *discord.Adapter

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	diag   *diag.Service

	roles   *roles.Service
	votes   *votes.Manager
	reviews *review.Service
	router  *router.Router

	updates chan kit.Update
}

// New loads the config and builds every component. Nothing talks to Discord
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	// The Discord sink has no sender until the adapter exists.
	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	ad, err := discord.New(discord.Config{Token: cfg.Discord.Token, GuildIDs: cfg.Discord.GuildIDs},
		log.With(logx.String("comp", "discord")))
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ad)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dcfg, err := mapDiagConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()
	clk := clock.Real()
	live := config.NewLive(cfgm)

	engineSvc := engine.New(engCfg, log, bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, log.With(logx.String("comp", "scheduler")))
	notifSvc := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus, store.Dedup)

	rolesSvc := roles.New(store.PersistingRoles, ad, roles.Options{
		Clock: clk, Runner: engineSvc, Bus: bus, Log: log,
	})
	finalizer := votes.NewFinalizer(store.Requests, store.ApplicableRoles, ad, rolesSvc, notifSvc, live, log)
	votesMgr := votes.NewManager(store.Requests, ad, notifSvc, live, finalizer, votes.Options{
		Clock: clk, Runner: engineSvc, Bus: bus, Log: log,
	})
	reviewSvc := review.New(store.Requests, store.ApplicableRoles, ad, votesMgr, live, review.Options{
		Clock: clk, Bus: bus, Log: log,
	})
	rt := router.New(ad, rolesSvc, reviewSvc, live, router.Options{
		Clock: clk, Log: log, Audit: store.Audit,
	})

	a := &App{
		cfgm:    cfgm,
		live:    live,
		sd:      sdnotify.New(log.With(logx.String("comp", "sdnotify"))),
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		clk:     clk,
		store:   store,
		adapter: ad,
		engine:  engineSvc,
		sched:   schedSvc,
		notif:   notifSvc,
		roles:   rolesSvc,
		votes:   votesMgr,
		reviews: reviewSvc,
		router:  rt,
		diag:    diag.New(dcfg, log),
		updates: make(chan kit.Update, 256),
	}
	a.registerDiagnostics()
	return a, nil
}

func (a *App) registerDiagnostics() {
	a.diag.AddCheck("discord", func(context.Context) error {
		if !a.adapter.Ready() {
			return errors.New("gateway not ready")
		}
		return nil
	})
	a.diag.AddCheck("storage", func(ctx context.Context) error { return a.store.DB().PingContext(ctx) })
	a.diag.AddCheck("supervisor", func(context.Context) error {
		if a.sup == nil {
			return errors.New("not started")
		}
		return a.sup.Err()
	})
	a.diag.AddReport("engine", func() any { return a.engine.Snapshot() })
	a.diag.AddReport("cron", func() any { return a.sched.Schedules() })
	a.diag.AddReport("votes", func() any { return a.votes.Pending() })
	a.diag.AddReport("notifier", func() any { return a.notif.Snapshot() })
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
	c := a.sup.Context()

	// Engine first: timers armed below enqueue into it.
	a.engine.Start(c)
	if a.notif.Enabled() {
		a.notif.Start(c)
	}
	if err := a.registerSchedules(a.cfgm.Get()); err != nil {
		return err
	}
	a.sched.Start(c)
	if a.diag.Enabled() {
		a.diag.Start(c)
	}

	if err := a.adapter.Start(c, a.updates); err != nil {
		return err
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go("commands.register", a.registerCommands)
	// Both block until the gateway is ready, then restore state from storage.
	a.sup.Go("roles.start", func(c context.Context) error { return ignoreCanceled(a.roles.Start(c)) })
	a.sup.Go("votes.start", func(c context.Context) error { return ignoreCanceled(a.votes.Start(c)) })
	a.sup.Go0("sdnotify.ready", func(c context.Context) {
		if err := a.adapter.WaitReady(c); err != nil {
			return
		}
		a.sd.Ready()
		a.sd.Status("connected")
	})
	a.sup.Go("sdnotify.watchdog", a.sd.Watchdog)

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) registerCommands(ctx context.Context) error {
	if err := a.adapter.WaitReady(ctx); err != nil {
		return ignoreCanceled(err)
	}
	cmds := router.Commands()
	var errs []error
	for _, g := range commandGuilds(a.cfgm.Get(), a.adapter.Guilds()) {
		if err := a.adapter.RegisterCommands(ctx, g, cmds); err != nil {
			errs = append(errs, fmt.Errorf("guild %s: %w", g, err))
			continue
		}
		a.log.Info("commands registered", logx.String("guild", g), logx.Int("count", len(cmds)))
	}
	// A guild the bot cannot register in should not take the bot down.
	if err := errors.Join(errs...); err != nil {
		a.log.Error("command registration incomplete", logx.Err(err))
	}
	return nil
}

// registerSchedules (re)binds the cron entries to cfg.
func (a *App) registerSchedules(cfg *config.Config) error {
	if reconcileEnabled(cfg.Reconcile) {
		spec := reconcileSchedule(cfg.Reconcile)
		if err := a.sched.AddSchedule(reconcileTaskName, spec, 10*time.Minute, a.roles.ReconcileAll); err != nil {
			return err
		}
	} else if a.sched.Remove(reconcileTaskName) {
		a.log.Info("reconciliation schedule removed")
	}
	return a.sched.AddSchedule(dedupPruneTaskName, dedupPruneSchedule, time.Minute, func(ctx context.Context) error {
		return a.store.Dedup.PruneExpired(ctx, a.clk.Now())
	})
}

// logEvents mirrors domain events at debug level.
func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	step := a.stepper(ctx)
	// Votes drain first: finalizations already admitted run on the engine
	// under the run context and must finish before it is canceled.
	step("votes", 3*time.Second, a.votes.Stop)
	// Cancel the run context so the dispatcher and waiters unwind.
	a.sup.Cancel()
	step("roles", time.Second, func(context.Context) error { a.roles.Stop(); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("diagnostics", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("discord", 2*time.Second, a.adapter.Stop)
	// Wait for supervised goroutines (router, config watch) before closing storage under them.
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

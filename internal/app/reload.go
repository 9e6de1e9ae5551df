package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"councilbot/internal/config"
	logx "councilbot/pkg/logx"
)

// reloadLoop fans committed configs out to the live-reconfigurable services.
// Vote settings need no fan-out: services read them through config.Live.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.sd.Reloading(func() { a.applyConfig(ctx, lastApplied, newCfg) })
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	changed := func(s string) bool { return slices.Contains(sections, s) }

	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed("discord") && (prev.Discord.Token != next.Discord.Token || !slices.Equal(prev.Discord.GuildIDs, next.Discord.GuildIDs)) {
		a.log.Warn("discord token or guild list changed; restart required for changes to take effect")
	}

	if changed("logging") || changed("discord") {
		a.logs.Apply(mapLogConfig(next))
	}

	if changed("task_engine") {
		if ecfg, err := mapTaskEngineConfig(next); err != nil {
			a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ctx, ecfg)
		}
	}

	if changed("notifier") {
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
	}

	if changed("reconcile") {
		a.sched.Apply(mapSchedulerConfig(next))
		if err := a.registerSchedules(next); err != nil {
			a.log.Warn("reconcile schedule not applied", logx.Err(err))
		}
	}

	if changed("diagnostics") {
		if dcfg, err := mapDiagConfig(next); err != nil {
			a.log.Warn("invalid diagnostics config; keeping previous", logx.Err(err))
		} else {
			a.diag.Reconfigure(ctx, dcfg)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

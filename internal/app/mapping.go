package app

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"councilbot/internal/config"
	"councilbot/internal/notifier"
	"councilbot/internal/observability/diag"
	"councilbot/internal/storage"
	"councilbot/internal/task/engine"
	"councilbot/internal/task/scheduler"
	logx "councilbot/pkg/logx"
)

const (
	defaultReconcileSchedule = "@every 6h"
	dedupPruneSchedule       = "@every 24h"
)

// validate is installed on the config manager. It runs on Load, on every hot
// reload and on live settings edits, so a rejected config never reaches a service.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil && !*te.Enabled {
			errs = append(errs, errors.New("task_engine.enabled: vote and expiry timers need the task engine"))
		}
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			errs = append(errs, errors.New("task_engine: sizes must be >= 0"))
		}
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if rc := cfg.Reconcile; reconcileEnabled(rc) {
		if err := scheduler.ValidateSchedule(reconcileSchedule(rc)); err != nil {
			errs = append(errs, fmt.Errorf("reconcile.schedule: %w", err))
		}
		if tz := strings.TrimSpace(rc.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				errs = append(errs, fmt.Errorf("reconcile.timezone: invalid %q: %w", tz, err))
			}
		}
	}
	if _, err := mapDiagConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Discord: logx.DiscordConfig{
			Enabled:    cfg.Logging.Discord.Enabled,
			ChannelID:  strings.TrimSpace(cfg.Discord.LogChannelID),
			MinLevel:   cfg.Logging.Discord.MinLevel,
			RatePerSec: cfg.Logging.Discord.RatePerSec,
		},
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true, Workers: 2, QueueSize: 256, HistorySize: 200, RetryMax: 3}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, errors.New("notifier: sizes and rates must be >= 0")
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedupWindow, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 24*time.Hour)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{Driver: "sqlite", Path: "councilbot.db"}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "postgres":
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapSchedulerConfig keeps cron running for housekeeping; the reconcile entry
// itself is added or removed by reconcile.enabled.
// mapDiagConfig validates and converts the diagnostics section. It never starts the server.
func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	dc := cfg.Diagnostics
	out := diag.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		PprofPrefix:          strings.TrimSpace(dc.PprofPrefix),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
		MemProfileRate:       dc.MemProfileRate,
	}
	if out.Addr == "" {
		out.Addr = diag.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("diagnostics.read_timeout", dc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// 0 leaves writes unbounded so CPU profiles and traces can run.
	if out.WriteTimeout, err = config.ParseDurationField("diagnostics.write_timeout", dc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("diagnostics.idle_timeout", dc.IdleTimeout, 2*time.Minute); err != nil {
		return out, err
	}
	if dc.MutexProfileFraction < 0 || dc.BlockProfileRate < 0 || dc.MemProfileRate < 0 {
		return out, errors.New("diagnostics: profile rates must be >= 0")
	}
	if p := strings.Trim(out.PprofPrefix, "/"); p == "healthz" || p == "debug/state" {
		return out, fmt.Errorf("diagnostics.pprof_prefix: %q collides with a built-in route", out.PprofPrefix)
	}
	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("diagnostics.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		if !out.AllowInsecure && out.Token == "" && !diag.IsLoopbackAddr(out.Addr) {
			return out, errors.New("diagnostics: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  true,
		Timezone: strings.TrimSpace(cfg.Reconcile.Timezone),
	}
}

func reconcileEnabled(rc config.ReconcileConfig) bool {
	return rc.Enabled == nil || *rc.Enabled
}

func reconcileSchedule(rc config.ReconcileConfig) string {
	if s := strings.TrimSpace(rc.Schedule); s != "" {
		return s
	}
	return defaultReconcileSchedule
}

// commandGuilds lists the guilds slash commands are registered in.
func commandGuilds(cfg *config.Config, joined []string) []string {
	if len(cfg.Discord.GuildIDs) > 0 {
		return cfg.Discord.GuildIDs
	}
	return joined
}

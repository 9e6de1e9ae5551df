package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"councilbot/internal/config"
	logx "councilbot/pkg/logx"
)

func baseConfig() *config.Config {
	return &config.Config{
		Discord: config.DiscordConfig{Token: "t", ReviewChannelID: "review", LogChannelID: " logs "},
	}
}

func TestValidateDefaults(t *testing.T) {
	t.Parallel()
	if err := validate(baseConfig()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	off := false
	cases := map[string]func(c *config.Config){
		"engine disabled":  func(c *config.Config) { c.TaskEngine = &config.TaskEngineConfig{Enabled: &off} },
		"negative workers": func(c *config.Config) { c.TaskEngine = &config.TaskEngineConfig{Workers: -1} },
		"bad schedule":     func(c *config.Config) { c.Reconcile.Schedule = "every now and then" },
		"bad timezone":     func(c *config.Config) { c.Reconcile.Timezone = "Mars/Olympus" },
		"bad notifier":     func(c *config.Config) { c.Notifier = &config.NotifierConfig{RatePerSec: -2} },
		"missing token":    func(c *config.Config) { c.Discord.Token = "" },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c := baseConfig()
			mut(c)
			if err := validate(c); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidateSkipsScheduleWhenReconcileDisabled(t *testing.T) {
	t.Parallel()
	off := false
	c := baseConfig()
	c.Reconcile = config.ReconcileConfig{Enabled: &off, Schedule: "garbage"}
	if err := validate(c); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestMapTaskEngineConfig(t *testing.T) {
	t.Parallel()
	got, err := mapTaskEngineConfig(baseConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled || got.Workers != 2 || got.QueueSize != 256 || got.RetryMax != 3 {
		t.Fatalf("defaults = %+v", got)
	}

	c := baseConfig()
	c.TaskEngine = &config.TaskEngineConfig{Workers: 6, DefaultTimeout: "45s", MaxQueueDelay: "2m"}
	got, err = mapTaskEngineConfig(c)
	if err != nil {
		t.Fatal(err)
	}
	if got.Workers != 6 || got.DefaultTimeout != 45*time.Second || got.MaxQueueDelay != 2*time.Minute {
		t.Fatalf("mapped = %+v", got)
	}

	c.TaskEngine.DefaultTimeout = "soon"
	if _, err := mapTaskEngineConfig(c); err == nil {
		t.Fatal("expected duration error")
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()
	got, err := mapNotifierConfig(baseConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled || got.DedupWindow != 24*time.Hour || got.RetryMaxDelay != 10*time.Second {
		t.Fatalf("omitted section = %+v", got)
	}

	c := baseConfig()
	c.Notifier = &config.NotifierConfig{Enabled: true, DedupWindow: "1h", PersistDedup: true}
	got, err = mapNotifierConfig(c)
	if err != nil {
		t.Fatal(err)
	}
	if got.DedupWindow != time.Hour || !got.PersistDedup || got.RetryBase != 500*time.Millisecond {
		t.Fatalf("mapped = %+v", got)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	got, err := mapStorageConfig(baseConfig())
	if err != nil || got.Driver != "sqlite" || got.Path != "councilbot.db" {
		t.Fatalf("default = %+v, %v", got, err)
	}

	c := baseConfig()
	c.Storage = &config.StorageConfig{Driver: "Postgres", DSN: " postgres://x "}
	got, err = mapStorageConfig(c)
	if err != nil || got.Driver != "postgres" || got.DSN != "postgres://x" {
		t.Fatalf("postgres = %+v, %v", got, err)
	}

	c.Storage = &config.StorageConfig{Driver: "sqlite", Path: "data/bot.db", BusyTimeout: "2s"}
	got, err = mapStorageConfig(c)
	if err != nil || got.BusyTimeout != 2*time.Second || got.Path != "data/bot.db" {
		t.Fatalf("sqlite = %+v, %v", got, err)
	}

	c.Storage = &config.StorageConfig{Driver: "mongo"}
	if _, err := mapStorageConfig(c); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestMapLogConfigTrimsChannel(t *testing.T) {
	t.Parallel()
	c := baseConfig()
	c.Logging.Discord = config.LoggingDiscord{Enabled: true, MinLevel: "warn", RatePerSec: 1}
	got := mapLogConfig(c)
	if got.Discord.ChannelID != "logs" || !got.Discord.Enabled || got.Discord.MinLevel != "warn" {
		t.Fatalf("mapped = %+v", got.Discord)
	}
}

func TestReconcileSchedule(t *testing.T) {
	t.Parallel()
	if got := reconcileSchedule(config.ReconcileConfig{}); got != defaultReconcileSchedule {
		t.Fatalf("default = %q", got)
	}
	if got := reconcileSchedule(config.ReconcileConfig{Schedule: " 0 */2 * * * "}); got != "0 */2 * * *" {
		t.Fatalf("trimmed = %q", got)
	}
	if !mapSchedulerConfig(baseConfig()).Enabled {
		t.Fatal("cron must stay enabled for housekeeping")
	}
}

func TestCommandGuilds(t *testing.T) {
	t.Parallel()
	c := baseConfig()
	if got := commandGuilds(c, []string{"g1", "g2"}); strings.Join(got, ",") != "g1,g2" {
		t.Fatalf("joined = %v", got)
	}
	c.Discord.GuildIDs = []string{"g9"}
	if got := commandGuilds(c, []string{"g1"}); strings.Join(got, ",") != "g9" {
		t.Fatalf("configured = %v", got)
	}
}

func TestStepperBoundsSlowSteps(t *testing.T) {
	t.Parallel()
	a := &App{log: logx.Nop()}
	step := a.stepper(context.Background())

	release := make(chan struct{})
	defer close(release)
	start := time.Now()
	step("slow", 50*time.Millisecond, func(ctx context.Context) error {
		<-release
		return nil
	})
	if took := time.Since(start); took > time.Second {
		t.Fatalf("slow step blocked stop for %v", took)
	}

	ran := false
	step("panics", time.Second, func(context.Context) error {
		ran = true
		panic("boom")
	})
	if !ran {
		t.Fatal("step did not run")
	}

	step("fails", time.Second, func(context.Context) error { return errors.New("nope") })
}

func TestStepperSkipsPastDeadline(t *testing.T) {
	t.Parallel()
	a := &App{log: logx.Nop()}
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	called := false
	a.stepper(ctx)("late", time.Second, func(context.Context) error { called = true; return nil })
	if called {
		t.Fatal("step ran after the deadline")
	}
}

func TestMapDiagConfig(t *testing.T) {
	t.Parallel()
	got, err := mapDiagConfig(baseConfig())
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled || got.Addr != "127.0.0.1:6060" || got.ReadTimeout != 5*time.Second || got.WriteTimeout != 0 {
		t.Fatalf("defaults = %+v", got)
	}

	reject := map[string]config.DiagnosticsConfig{
		"public without token": {Enabled: true, Addr: "0.0.0.0:6060"},
		"bad addr":             {Enabled: true, Addr: "6060"},
		"route collision":      {PprofPrefix: "/healthz"},
		"negative rate":        {BlockProfileRate: -1},
		"bad timeout":          {IdleTimeout: "forever"},
	}
	for name, dc := range reject {
		c := baseConfig()
		c.Diagnostics = dc
		if _, err := mapDiagConfig(c); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	c := baseConfig()
	c.Diagnostics = config.DiagnosticsConfig{Enabled: true, Addr: "0.0.0.0:6060", Token: " t0k "}
	got, err = mapDiagConfig(c)
	if err != nil || got.Token != "t0k" {
		t.Fatalf("token bind = %+v, %v", got, err)
	}
}

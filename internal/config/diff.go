package config

import (
	"reflect"
	"sort"
	"strings"

	logx "councilbot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe structured
// attrs for logging. Secrets (token, DSN) are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	od, nd := oldCfg.Discord, newCfg.Discord
	if od.Token != nd.Token || od.ReviewChannelID != nd.ReviewChannelID ||
		od.LogChannelID != nd.LogChannelID || !reflect.DeepEqual(od.GuildIDs, nd.GuildIDs) {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_changed", od.Token != nd.Token),
			logx.String("discord.review_channel_id", nd.ReviewChannelID),
			logx.Int("discord.guild_count", len(nd.GuildIDs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.discord_enabled", newCfg.Logging.Discord.Enabled),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	oN, nN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if oN != nN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Bool("notifier.persist_dedup", nN.PersistDedup),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
			logx.Bool("storage.restart_required", true),
		)
	}

	if !reflect.DeepEqual(oldCfg.Votes, newCfg.Votes) {
		changed = append(changed, "votes")
		attrs = append(attrs,
			logx.String("votes.vote_time", newCfg.Votes.VoteTime),
			logx.String("votes.ping_before_close", newCfg.Votes.PingBeforeClose),
			logx.Bool("votes.council_role_set", newCfg.Votes.CouncilRoleID != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reconcile, newCfg.Reconcile) {
		changed = append(changed, "reconcile")
		attrs = append(attrs,
			logx.String("reconcile.schedule", newCfg.Reconcile.Schedule),
			logx.String("reconcile.timezone", newCfg.Reconcile.Timezone),
		)
	}

	if oldCfg.Diagnostics != newCfg.Diagnostics {
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", newCfg.Diagnostics.Enabled),
			logx.String("diagnostics.addr", newCfg.Diagnostics.Addr),
			logx.Bool("diagnostics.token_set", newCfg.Diagnostics.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

// DefaultNotifier is the runtime behaviour of an omitted notifier section.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "24h",
		DedupMaxEntries: 2000,
	}
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return DefaultNotifier()
	}
	return *n
}

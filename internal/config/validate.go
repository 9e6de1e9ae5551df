package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks a decoded config. Schedule syntax is validated by the caller,
// which owns the schedule parser.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Discord.Token) == "" {
		errs = append(errs, fmt.Errorf("discord.token: empty (set it or %s)", EnvDiscordToken))
	}
	if strings.TrimSpace(cfg.Discord.ReviewChannelID) == "" {
		errs = append(errs, errors.New("discord.review_channel_id: required"))
	}
	if cfg.Logging.Discord.Enabled && strings.TrimSpace(cfg.Discord.LogChannelID) == "" {
		errs = append(errs, errors.New("logging.discord: enabled without discord.log_channel_id"))
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "sqlite":
			if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
				errs = append(errs, err)
			}
		case "postgres":
			if strings.TrimSpace(s.DSN) == "" {
				errs = append(errs, fmt.Errorf("storage.dsn: required for postgres (or %s)", EnvStorageDSN))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown %q", s.Driver))
		}
	}
	if te := cfg.TaskEngine; te != nil {
		if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
			errs = append(errs, err)
		}
	}
	if n := cfg.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if _, err := cfg.Votes.Resolve(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

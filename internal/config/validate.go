package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"matrixpub/internal/model"
	logx "matrixpub/pkg/logx"
)

var reSlot = regexp.MustCompile(`^([01]?\d|2[0-3]):[0-5]\d$`)

// Validate checks everything that can be checked without building
// components. Sweep cadences are validated by the runner that parses them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path: required"))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	r := cfg.Runner
	for path, raw := range map[string]string{
		"runner.tick":            r.Tick,
		"runner.publish_timeout": r.PublishTimeout,
		"runner.error_backoff":   r.ErrorBackoff,
		"runner.stop_timeout":    r.StopTimeout,
		"runner.defer_backoff":   r.DeferBackoff,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if r.BatchSize < 0 {
		errs = append(errs, errors.New("runner.batch_size: must be >= 0"))
	}

	if cfg.Rotation.DefaultIntervalMinutes < 0 {
		errs = append(errs, errors.New("rotation.default_interval_minutes: must be >= 0"))
	}

	for _, s := range cfg.Distribution.DefaultDailyTimes {
		if !reSlot.MatchString(strings.TrimSpace(s)) {
			errs = append(errs, fmt.Errorf("distribution.default_daily_times: invalid slot %q (want HH:MM)", s))
		}
	}
	if tz := strings.TrimSpace(cfg.Distribution.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("distribution.timezone: %w", err))
		}
	}

	for name, p := range cfg.Publishers {
		if _, err := model.ParsePlatform(name); err != nil {
			errs = append(errs, fmt.Errorf("publishers.%s: %w", name, err))
		}
		if strings.TrimSpace(p.Command) == "" {
			errs = append(errs, fmt.Errorf("publishers.%s.command: required", name))
		}
	}

	if a := cfg.Alerts; a != nil && a.Enabled {
		if strings.TrimSpace(a.Token) == "" {
			errs = append(errs, errors.New("alerts.token: required when alerts are enabled"))
		}
		if a.ChatID == 0 {
			errs = append(errs, errors.New("alerts.chat_id: required when alerts are enabled"))
		}
		if a.RatePerSec < 0 {
			errs = append(errs, errors.New("alerts.rate_per_sec: must be >= 0"))
		}
		if _, err := ParseDurationField("alerts.dedup_window", a.DedupWindow); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("alerts.send_timeout", a.SendTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

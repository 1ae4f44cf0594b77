package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"matrixpub/internal/alert"
	"matrixpub/internal/config"
	"matrixpub/internal/distribution"
	"matrixpub/internal/model"
	"matrixpub/internal/publish"
	"matrixpub/internal/rotation"
	"matrixpub/internal/runner"
	"matrixpub/internal/storage"
	logx "matrixpub/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		return storage.Config{}, errors.New("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapRunnerOptions(cfg *config.Config) (runner.Options, error) {
	r := cfg.Runner
	var (
		opts runner.Options
		errs []error
	)
	parse := func(path, raw string) time.Duration {
		d, err := config.ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	opts.Tick = parse("runner.tick", r.Tick)
	opts.PublishTimeout = parse("runner.publish_timeout", r.PublishTimeout)
	opts.ErrorBackoff = parse("runner.error_backoff", r.ErrorBackoff)
	opts.StopTimeout = parse("runner.stop_timeout", r.StopTimeout)
	opts.DeferBackoff = parse("runner.defer_backoff", r.DeferBackoff)
	opts.IPSwitch = r.IPSwitch
	opts.Subtasks = r.Subtasks
	opts.Cookies = r.Cookies
	opts.BatchSize = r.BatchSize
	if err := runner.ValidateOptions(opts); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return runner.Options{}, err
	}
	return opts, nil
}

// mapRotationDefaults turns auto switch on unless the config says otherwise.
func mapRotationDefaults(cfg *config.Config) rotation.Defaults {
	auto := true
	if cfg.Rotation.DefaultAutoSwitch != nil {
		auto = *cfg.Rotation.DefaultAutoSwitch
	}
	return rotation.Defaults{
		IntervalMinutes: cfg.Rotation.DefaultIntervalMinutes,
		AutoSwitch:      auto,
		Country:         strings.TrimSpace(cfg.Rotation.Country),
	}
}

func mapScheduleGenerator(cfg *config.Config, now func() time.Time) (distribution.DailySlots, error) {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Distribution.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return distribution.DailySlots{}, fmt.Errorf("distribution.timezone: %w", err)
		}
		loc = l
	}
	slots := make([]string, 0, len(cfg.Distribution.DefaultDailyTimes))
	for _, s := range cfg.Distribution.DefaultDailyTimes {
		s = strings.TrimSpace(s)
		if !distribution.ValidSlot(s) {
			return distribution.DailySlots{}, fmt.Errorf("distribution.default_daily_times: invalid slot %q", s)
		}
		slots = append(slots, s)
	}
	return distribution.DailySlots{Now: now, Location: loc, Defaults: slots}, nil
}

func mapPublishers(cfg *config.Config, log logx.Logger) (map[model.Platform]publish.Publisher, error) {
	out := make(map[model.Platform]publish.Publisher, len(cfg.Publishers))
	for name, pc := range cfg.Publishers {
		p, err := model.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("publishers.%s: %w", name, err)
		}
		if _, dup := out[p]; dup {
			return nil, fmt.Errorf("publishers.%s: platform %s configured twice", name, p)
		}
		if strings.TrimSpace(pc.Command) == "" {
			return nil, fmt.Errorf("publishers.%s.command: required", name)
		}
		out[p] = publish.Command{
			Path: pc.Command,
			Args: append([]string(nil), pc.Args...),
			Env:  pc.Env,
			Dir:  pc.Dir,
			Log:  log.With(logx.String("platform", p.String())),
		}
	}
	return out, nil
}

// mapAlerts returns a nil sender when alerts are off.
func mapAlerts(cfg *config.Config) (alert.Config, alert.Sender, error) {
	a := cfg.Alerts
	if a == nil || !a.Enabled {
		return alert.Config{}, nil, nil
	}
	dedup, err := config.ParseDurationOrDefault("alerts.dedup_window", a.DedupWindow, time.Hour)
	if err != nil {
		return alert.Config{}, nil, err
	}
	timeout, err := config.ParseDurationField("alerts.send_timeout", a.SendTimeout)
	if err != nil {
		return alert.Config{}, nil, err
	}
	tg, err := alert.NewTelegram(a.Token, a.ChatID, a.ThreadID)
	if err != nil {
		return alert.Config{}, nil, fmt.Errorf("alerts: %w", err)
	}
	return alert.Config{
		Enabled:     true,
		RatePerSec:  a.RatePerSec,
		DedupWindow: dedup,
		SendTimeout: timeout,
	}, tg, nil
}

// validateConfig is the full check run at startup and before every reload.
func validateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapRunnerOptions(cfg); err != nil {
		return err
	}
	_, err := mapPublishers(cfg, logx.Nop())
	return err
}

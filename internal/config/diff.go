package config

import (
	"reflect"
	"sort"
	"strings"

	logx "matrixpub/pkg/logx"
)

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never the alert token or publisher
// env values), and (3) the names of publishers that changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Runner, newCfg.Runner) {
		r := newCfg.Runner
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.Bool("runner.enabled", r.IsEnabled()),
			logx.String("runner.tick", r.Tick),
			logx.String("runner.ip_switch", r.IPSwitch),
			logx.String("runner.subtasks", r.Subtasks),
			logx.String("runner.cookies", r.Cookies),
			logx.Int("runner.batch_size", r.BatchSize),
			logx.String("runner.publish_timeout", r.PublishTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Rotation, newCfg.Rotation) {
		changed = append(changed, "rotation")
		attrs = append(attrs,
			logx.Int("rotation.default_interval_minutes", newCfg.Rotation.DefaultIntervalMinutes),
			logx.String("rotation.country", newCfg.Rotation.Country),
		)
	}

	if !reflect.DeepEqual(oldCfg.Distribution, newCfg.Distribution) {
		changed = append(changed, "distribution")
		attrs = append(attrs,
			logx.Int("distribution.default_slots", len(newCfg.Distribution.DefaultDailyTimes)),
			logx.String("distribution.timezone", newCfg.Distribution.Timezone),
		)
	}

	pubChanged := diffPublishers(oldCfg.Publishers, newCfg.Publishers)
	if len(pubChanged) > 0 {
		changed = append(changed, "publishers")
		attrs = append(attrs,
			logx.Int("publishers.changed_count", len(pubChanged)),
			logx.Int("publishers.count", len(newCfg.Publishers)),
		)
	}

	oA, nA := derefAlerts(oldCfg.Alerts), derefAlerts(newCfg.Alerts)
	if !reflect.DeepEqual(oA, nA) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", nA.Enabled),
			logx.Bool("alerts.token_set", strings.TrimSpace(nA.Token) != ""),
			logx.Bool("alerts.chat_set", nA.ChatID != 0),
			logx.Int("alerts.rate_per_sec", nA.RatePerSec),
		)
	}

	sort.Strings(changed)
	return changed, attrs, pubChanged
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}

func diffPublishers(oldM, newM map[string]PublisherConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, okO := oldM[name]
		n, okN := newM[name]
		if okO != okN || hashJSON(o) != hashJSON(n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("30s", "5m"); sweep cadences also accept cron specs
// and "@every" descriptors.
type Config struct {
	Logging      LoggingConfig              `json:"logging"`
	Storage      StorageConfig              `json:"storage"`
	Runner       RunnerConfig               `json:"runner"`
	Rotation     RotationConfig             `json:"rotation"`
	Distribution DistributionConfig         `json:"distribution"`
	Publishers   map[string]PublisherConfig `json:"publishers,omitempty"`
	Alerts       *AlertsConfig              `json:"alerts,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RunnerConfig drives the background job loop.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - tick: "5s"
//   - ip_switch: "@every 60s"
//   - subtasks: "@every 30s"
//   - cookies: "@every 5m"
//   - batch_size: 5
//   - publish_timeout: "30m"
//   - error_backoff: "10s"
//   - stop_timeout: "5s"
//   - defer_backoff: "1m"
type RunnerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	Tick     string `json:"tick,omitempty"`
	IPSwitch string `json:"ip_switch,omitempty"`
	Subtasks string `json:"subtasks,omitempty"`
	Cookies  string `json:"cookies,omitempty"`

	BatchSize      int    `json:"batch_size,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`
	ErrorBackoff   string `json:"error_backoff,omitempty"`
	StopTimeout    string `json:"stop_timeout,omitempty"`
	DeferBackoff   string `json:"defer_backoff,omitempty"`
}

// IsEnabled treats an omitted flag as enabled.
func (r RunnerConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

type RotationConfig struct {
	DefaultIntervalMinutes int    `json:"default_interval_minutes,omitempty"`
	DefaultAutoSwitch      *bool  `json:"default_auto_switch,omitempty"`
	Country                string `json:"country,omitempty"`
}

type DistributionConfig struct {
	DefaultDailyTimes []string `json:"default_daily_times,omitempty"`
	Timezone          string   `json:"timezone,omitempty"`
}

// PublisherConfig describes the external uploader used for one platform.
// The map key is a platform name or number ("douyin", "3").
type PublisherConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
}

// AlertsConfig forwards operator-relevant events to a Telegram chat.
// Nil or enabled=false disables alerts.
type AlertsConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

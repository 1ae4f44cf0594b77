package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  path: ./data/matrixpub.db
  busy_timeout: 5s
runner:
  tick: 5s
  subtasks: "@every 30s"
  batch_size: 5
rotation:
  default_interval_minutes: 45
distribution:
  default_daily_times: ["06:00", "22:00"]
publishers:
  douyin:
    command: /usr/local/bin/upload-douyin
    args: ["--headless"]
alerts:
  enabled: true
  token: "123:abc"
  chat_id: -100200
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Storage.Path != "./data/matrixpub.db" || cfg.Runner.BatchSize != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if p := cfg.Publishers["douyin"]; p.Command != "/usr/local/bin/upload-douyin" || len(p.Args) != 1 {
		t.Fatalf("publishers not decoded: %+v", cfg.Publishers)
	}
	if cfg.Alerts == nil || cfg.Alerts.ChatID != -100200 {
		t.Fatalf("alerts not decoded: %+v", cfg.Alerts)
	}
	if !cfg.Runner.IsEnabled() {
		t.Fatal("runner should default to enabled")
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"storage":{"path":"x"},"bogus":1}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.yaml", []byte("runner:\n  tik: 5s\n")); err == nil {
		t.Fatal("expected unknown field error for yaml")
	}
	if _, err := Decode("c.json", []byte(`{"storage":{"path":"x"}} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing storage", Config{}, "storage.path"},
		{"bad level", Config{Storage: StorageConfig{Path: "x"}, Logging: LoggingConfig{Level: "loud"}}, "logging.level"},
		{"bad duration", Config{Storage: StorageConfig{Path: "x"}, Runner: RunnerConfig{Tick: "soon"}}, "runner.tick"},
		{"bad slot", Config{Storage: StorageConfig{Path: "x"}, Distribution: DistributionConfig{DefaultDailyTimes: []string{"24:00"}}}, "default_daily_times"},
		{"bad publisher", Config{Storage: StorageConfig{Path: "x"}, Publishers: map[string]PublisherConfig{"myspace": {Command: "x"}}}, "publishers.myspace"},
		{"publisher without command", Config{Storage: StorageConfig{Path: "x"}, Publishers: map[string]PublisherConfig{"kuaishou": {}}}, "publishers.kuaishou.command"},
		{"alerts without token", Config{Storage: StorageConfig{Path: "x"}, Alerts: &AlertsConfig{Enabled: true, ChatID: 1}}, "alerts.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "250ms", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("parsed = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Storage: StorageConfig{Path: "a.db"}, Alerts: &AlertsConfig{Token: "old-secret"}}
	newCfg := &Config{
		Storage:    StorageConfig{Path: "a.db"},
		Runner:     RunnerConfig{BatchSize: 9},
		Publishers: map[string]PublisherConfig{"douyin": {Command: "u", Env: map[string]string{"KEY": "hidden"}}},
		Alerts:     &AlertsConfig{Token: "new-secret"},
	}
	sections, attrs, pubs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"alerts", "publishers", "runner"}
	if strings.Join(sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(pubs) != 1 || pubs[0] != "douyin" {
		t.Fatalf("publishers changed = %v", pubs)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}

	same, _, _ := SummarizeConfigChange(newCfg, newCfg)
	if len(same) != 0 {
		t.Fatalf("identical configs reported changes: %v", same)
	}
}

func TestSubscribeKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatal("subscriber did not receive the newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed by Unsubscribe")
	}
}

func TestWatchPublishesValidatedChange(t *testing.T) {
	path := writeFile(t, "config.json", `{"storage":{"path":"a.db"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"storage":{"path":"b.db"}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.Storage.Path != "b.db" {
			t.Fatalf("published path = %q", cfg.Storage.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published after file change")
	}
	cancel()
	<-done
}

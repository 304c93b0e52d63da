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
workspace: ./ws
timezone: UTC
telegram:
  owner_user_ids: [42]
logging:
  level: debug
  console: true
agent:
  engine: echo
orchestrator:
  max_concurrent: 4
  default_timeout: 2m
cron:
  main_channel: ops
heartbeat:
  enabled: true
  interval: 30m
  active_hours: {start: "22:00", end: "06:00"}
  target: telegram:-100123:7
channels:
  ops: {chat_id: -100555}
storage:
  driver: sqlite
  path: ./data/tc.db
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, t.TempDir(), "config.yaml", sampleYAML))
	m.getenv = func(k string) string {
		if k == EnvTelegramToken {
			return "tok"
		}
		return ""
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orchestrator.MaxConcurrent != 4 || cfg.Heartbeat.ActiveHours.Start != "22:00" || cfg.Channels["ops"].ChatID != -100555 {
		t.Fatalf("decoded %+v", cfg)
	}
	if cfg.Telegram.Token != "tok" {
		t.Fatalf("token env fallback not applied")
	}
	if !cfg.Cron.IsEnabled() {
		t.Fatalf("cron should default to enabled")
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown key json", "c.json", `{"agent":{"engine":"echo"},"bogus":1}`, "unknown field"},
		{"unknown key yaml", "c.yml", "agent:\n  engine: echo\n  temprature: 1\n", "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad yaml", "c.yaml", "agent: [", "yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tc.file, []byte(tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Decode err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{Agent: AgentConfig{Engine: "echo"}}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"openai without key", func(c *Config) { c.Agent.Engine = "openai" }, "api_key"},
		{"unknown engine", func(c *Config) { c.Agent.Engine = "llama" }, "unknown engine"},
		{"bad duration", func(c *Config) { c.Orchestrator.DefaultTimeout = "soon" }, "orchestrator.default_timeout"},
		{"negative duration", func(c *Config) { c.Cron.RunTimeout = "-1s" }, ">= 0"},
		{"bad tz", func(c *Config) { c.Timezone = "Mars/Base" }, "timezone"},
		{"bad active hours", func(c *Config) { c.Heartbeat.ActiveHours = ActiveHoursConfig{Start: "9", End: "17:00"} }, "active_hours.start"},
		{"unknown channel", func(c *Config) { c.Heartbeat.Target = "ops" }, "heartbeat.target"},
		{"log channel", func(c *Config) { c.Cron.MainChannel = "log" }, ""},
		{"storage path", func(c *Config) { c.Storage = &StorageConfig{Driver: "file"} }, "storage.path"},
		{"storage driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis", Path: "x"} }, "unknown driver"},
		{"public api without token", func(c *Config) { c.API = APIConfig{Enabled: true, Addr: "0.0.0.0:8787"} }, "api.token"},
		{"loopback api", func(c *Config) { c.API = APIConfig{Enabled: true, Addr: "127.0.0.1:8787"} }, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tc.mutate(c)
			err := Validate(c)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("Validate = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestChatTarget(t *testing.T) {
	t.Parallel()

	c := &Config{Channels: map[string]ChannelConfig{"ops": {ChatID: 5, ThreadID: 2}, "quiet": {}}}
	if tgt, ok, err := c.ChatTarget("ops"); err != nil || !ok || tgt.ChatID != 5 || tgt.ThreadID != 2 {
		t.Fatalf("ops = %+v %v %v", tgt, ok, err)
	}
	if _, ok, err := c.ChatTarget("quiet"); err != nil || ok {
		t.Fatalf("quiet = %v %v, want log-only", ok, err)
	}
	if tgt, ok, err := c.ChatTarget("telegram:-9"); err != nil || !ok || tgt.ChatID != -9 {
		t.Fatalf("literal = %+v %v %v", tgt, ok, err)
	}
	if _, _, err := c.ChatTarget("nope"); err == nil {
		t.Fatal("unknown channel resolved")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := &Config{Agent: AgentConfig{Engine: "echo", APIKey: "k1"}}
	b := &Config{Agent: AgentConfig{Engine: "echo", APIKey: "k2"}, Orchestrator: OrchestratorConfig{MaxConcurrent: 5}}
	changed, _ := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "orchestrator" {
		t.Fatalf("changed = %v (a rotated key alone is not a change)", changed)
	}
	if got := RestartRequired([]string{"agent", "cron", "storage"}); strings.Join(got, ",") != "agent,storage" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"agent":{"engine":"echo"},"orchestrator":{"max_concurrent":2}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register before writing.
	deadline := time.Now().Add(5 * time.Second)
	var got *Config
	for got == nil && time.Now().Before(deadline) {
		writeFile(t, dir, "config.json", `{"agent":{"engine":"bogus"}}`)
		writeFile(t, dir, "config.json", `{"agent":{"engine":"echo"},"orchestrator":{"max_concurrent":7}}`)
		select {
		case got = <-sub:
		case <-time.After(500 * time.Millisecond):
		}
	}
	if got == nil {
		t.Fatal("no config published")
	}
	if got.Orchestrator.MaxConcurrent != 7 {
		t.Fatalf("published max_concurrent = %d, want 7", got.Orchestrator.MaxConcurrent)
	}
	if m.Get().Orchestrator.MaxConcurrent != 7 {
		t.Fatal("published config not committed")
	}
}

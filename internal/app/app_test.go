package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tradeclaw/internal/config"
	"tradeclaw/internal/eventbus"
	"tradeclaw/internal/notifier"
	"tradeclaw/internal/task/cron"
	"tradeclaw/internal/task/orchestrator"
	"tradeclaw/internal/task/schedule"
	"tradeclaw/internal/task/session"
)

func TestMapConfigs(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Timezone: "UTC",
		Logging: config.LoggingConfig{
			Level: "debug",
			Chat:  config.LoggingChat{Enabled: true, Channel: "quiet"},
		},
		Orchestrator: config.OrchestratorConfig{MaxConcurrent: 3, DefaultTimeout: "90s"},
		Cron:         config.CronConfig{TickInterval: "2s", MainChannel: "ops"},
		Heartbeat:    config.HeartbeatConfig{Enabled: true, Interval: "15m", Checklist: "CHECK.md"},
		Notifier:     &config.NotifierConfig{Enabled: true, RetryBase: "100ms", AlertChannel: "ops"},
		Channels: map[string]config.ChannelConfig{
			"ops":   {ChatID: -100, ThreadID: 3},
			"quiet": {},
		},
	}
	cc, err := mapConfigs(cfg)
	if err != nil {
		t.Fatalf("mapConfigs: %v", err)
	}
	if cc.log.Chat.Enabled {
		t.Error("chat log sink enabled for a log-only channel")
	}
	if cc.orch.MaxConcurrent != 3 || cc.orch.DefaultTimeout != 90*time.Second {
		t.Errorf("orchestrator = %+v", cc.orch)
	}
	if !cc.cron.Enabled || cc.cron.TickInterval != 2*time.Second || cc.cron.MainChannel != "ops" {
		t.Errorf("cron = %+v", cc.cron)
	}
	if cc.heartbeat.Timezone != "UTC" || cc.heartbeat.ChecklistPath != "CHECK.md" || cc.heartbeat.Interval != 15*time.Minute {
		t.Errorf("heartbeat = %+v", cc.heartbeat)
	}
	if !cc.notifier.Enabled || cc.notifier.RetryBase != 100*time.Millisecond {
		t.Errorf("notifier = %+v", cc.notifier)
	}
	if got := cc.channels["ops"]; got.ChatID != -100 || got.ThreadID != 3 {
		t.Errorf("channels = %+v", cc.channels)
	}
	if alertChannel(cfg) != "ops" {
		t.Errorf("alertChannel = %q", alertChannel(cfg))
	}
}

func TestMapConfigsRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  config.Config
	}{
		{"heartbeat interval", config.Config{Heartbeat: config.HeartbeatConfig{Interval: "500ms"}}},
		{"notifier duration", config.Config{Notifier: &config.NotifierConfig{DedupWindow: "later"}}},
		{"chat log channel", config.Config{Logging: config.LoggingConfig{Chat: config.LoggingChat{Enabled: true, Channel: "nope"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := mapConfigs(&tc.cfg); err == nil {
				t.Fatal("mapConfigs accepted an invalid config")
			}
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	if _, enabled, err := mapStorageConfig(&config.Config{}); enabled || err != nil {
		t.Fatalf("no storage section: enabled=%v err=%v", enabled, err)
	}
	sc, enabled, err := mapStorageConfig(&config.Config{
		Storage: &config.StorageConfig{Driver: "SQLite", Path: " data.db "},
		Cron:    config.CronConfig{MaxRuns: 20},
	})
	if err != nil || !enabled {
		t.Fatalf("sqlite: enabled=%v err=%v", enabled, err)
	}
	if sc.Driver != "sqlite" || sc.Path != "data.db" || sc.BusyTimeout != time.Second || sc.MaxRunsPerJob != 20 {
		t.Fatalf("storage config = %+v", sc)
	}
}

func TestAlertFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		event eventbus.Event
		want  string
		level notifier.Level
	}{
		{"session failed", eventbus.Event{Type: eventbus.TopicSessionFailed, Data: eventbus.SessionEvent{SessionID: "s1", Label: "btc", ErrorKind: "execution", Error: "boom"}}, "session btc failed (execution): boom", notifier.LevelCritical},
		{"session timeout", eventbus.Event{Type: eventbus.TopicSessionFailed, Data: eventbus.SessionEvent{SessionID: "s2", ErrorKind: "timeout", Error: "deadline"}}, "session s2 failed (timeout): deadline", notifier.LevelWarn},
		{"session completed", eventbus.Event{Type: eventbus.TopicSessionCompleted, Data: eventbus.SessionEvent{SessionID: "s3"}}, "", 0},
		{"cron failure", eventbus.Event{Type: eventbus.TopicCronRun, Data: eventbus.CronRunEvent{JobName: "daily", Status: "failure", Error: "no channel"}}, "cron job daily failed: no channel", notifier.LevelWarn},
		{"cron success", eventbus.Event{Type: eventbus.TopicCronRun, Data: eventbus.CronRunEvent{Status: "success"}}, "", 0},
		{"heartbeat error", eventbus.Event{Type: eventbus.TopicHeartbeatTick, Data: eventbus.HeartbeatEvent{Error: "model down"}}, "heartbeat failed: model down", notifier.LevelWarn},
		{"heartbeat skipped", eventbus.Event{Type: eventbus.TopicHeartbeatTick, Data: eventbus.HeartbeatEvent{Skipped: "outside active hours"}}, "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			n, ok := alertFor(tc.event)
			if tc.want == "" {
				if ok {
					t.Fatalf("unexpected alert %+v", n)
				}
				return
			}
			if !ok || n.Text != tc.want || n.Level != tc.level {
				t.Fatalf("alertFor = %+v, %v; want %q level %d", n, ok, tc.want, tc.level)
			}
		})
	}
}

const lifecycleConfig = `{
  "workspace": %q,
  "logging": {"level": "warn", "console": false},
  "agent": {"engine": "echo"},
  "orchestrator": {"max_concurrent": 2, "default_timeout": "30s"},
  "cron": {"tick_interval": "1s", "main_channel": "ops"},
  "heartbeat": {"enabled": false, "target": "ops"},
  "notifier": {"enabled": true, "alert_channel": "log"},
  "channels": {"ops": {"chat_id": 0}},
  "storage": {"driver": "file", "path": %q}
}`

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	ws := filepath.Join(dir, "ws")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "HEARTBEAT.md"), []byte("- check open positions\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "config.json")
	body := strings.Replace(strings.Replace(lifecycleConfig, "%q", `"`+ws+`"`, 1), "%q", `"`+filepath.Join(dir, "data")+`"`, 1)
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := New(ctx, cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sess, err := a.Orchestrator().Spawn(ctx, orchestrator.SpawnOptions{Task: "scan ETH", Label: "eth"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	done, err := a.Orchestrator().Wait(ctx, sess.ID)
	if err != nil || done.Status != session.StatusCompleted {
		t.Fatalf("Wait = %+v, %v", done, err)
	}

	job, err := a.Cron().Add(ctx, cron.AddRequest{
		Name:     "note",
		Schedule: schedule.Cron("0 9 * * *", "UTC"),
		Payload:  cron.SystemEvent("market open"),
	})
	if err != nil {
		t.Fatalf("cron Add: %v", err)
	}
	if _, err := a.Cron().Add(ctx, cron.AddRequest{
		Schedule: schedule.Every(time.Hour),
		Payload:  cron.AgentTurn("scan", ""),
		Delivery: &cron.Delivery{Channel: "desk"},
	}); !errors.Is(err, session.ErrValidation) {
		t.Fatalf("cron Add with unknown channel: %v", err)
	}
	run, err := a.Cron().Run(ctx, job.ID, cron.RunForce)
	if err != nil || run.Status != cron.RunSuccess {
		t.Fatalf("cron Run = %+v, %v", run, err)
	}
	if !historyHas(a.Notifier().History(), "ops", "market open") {
		t.Fatalf("system event not delivered: %+v", a.Notifier().History())
	}

	out, err := a.Heartbeat().Trigger(ctx)
	if err != nil || !out.Fired {
		t.Fatalf("heartbeat Trigger = %+v, %v", out, err)
	}

	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	// Jobs persist across restarts.
	b, err := New(ctx, cfgPath)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer b.Stop(context.Background(), StopAppStop)
	if _, ok := b.Cron().Get(job.ID); !ok {
		t.Fatal("cron job lost across restart")
	}
	runs, err := b.Cron().History(job.ID, 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("History = %d runs, %v", len(runs), err)
	}
}

func historyHas(items []notifier.HistoryItem, channel, text string) bool {
	for _, it := range items {
		if it.Channel == channel && strings.Contains(it.Text, text) {
			return true
		}
	}
	return false
}

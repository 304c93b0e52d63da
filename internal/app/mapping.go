package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"tradeclaw/internal/agent"
	"tradeclaw/internal/config"
	"tradeclaw/internal/notifier"
	"tradeclaw/internal/storage"
	"tradeclaw/internal/task/cron"
	"tradeclaw/internal/task/heartbeat"
	"tradeclaw/internal/task/orchestrator"
	"tradeclaw/internal/telemetry"
	logx "tradeclaw/pkg/logx"
)

// componentConfigs is every runtime config derived from one config file.
type componentConfigs struct {
	log       logx.Config
	orch      orchestrator.Config
	cron      cron.Config
	heartbeat heartbeat.Config
	notifier  notifier.Config
	channels  map[string]notifier.ChannelConfig
}

func mapConfigs(cfg *config.Config) (componentConfigs, error) {
	var out componentConfigs
	var err error
	if out.log, err = mapLogConfig(cfg); err != nil {
		return out, err
	}
	if out.orch, err = mapOrchestratorConfig(cfg); err != nil {
		return out, err
	}
	if out.cron, err = mapCronConfig(cfg); err != nil {
		return out, err
	}
	if out.heartbeat, err = mapHeartbeatConfig(cfg); err != nil {
		return out, err
	}
	if out.notifier, err = mapNotifierConfig(cfg); err != nil {
		return out, err
	}
	out.channels = mapChannels(cfg)
	return out, nil
}

func mapLogConfig(cfg *config.Config) (logx.Config, error) {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
	if cfg.Logging.Chat.Enabled {
		target, ok, err := cfg.ChatTarget(cfg.Logging.Chat.Channel)
		if err != nil {
			return logx.Config{}, fmt.Errorf("logging.chat.channel: %w", err)
		}
		// A log-only channel would loop records back into the log.
		lc.Chat.Enabled = ok
		lc.Chat.Target = target
	}
	return lc, nil
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	oc := cfg.Orchestrator
	def, err := config.Duration("orchestrator.default_timeout", oc.DefaultTimeout, 0)
	if err != nil {
		return orchestrator.Config{}, err
	}
	mainTurn, err := config.Duration("orchestrator.main_turn_timeout", oc.MainTurnTimeout, 0)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		MaxConcurrent:   oc.MaxConcurrent,
		DefaultTimeout:  def,
		MainTurnTimeout: mainTurn,
		InboxSize:       oc.InboxSize,
	}, nil
}

func mapCronConfig(cfg *config.Config) (cron.Config, error) {
	cc := cfg.Cron
	tick, err := config.Duration("cron.tick_interval", cc.TickInterval, 0)
	if err != nil {
		return cron.Config{}, err
	}
	runTimeout, err := config.Duration("cron.run_timeout", cc.RunTimeout, 0)
	if err != nil {
		return cron.Config{}, err
	}
	return cron.Config{
		Enabled:      cc.IsEnabled(),
		TickInterval: tick,
		MainChannel:  cc.MainChannel,
		RunTimeout:   runTimeout,
	}, nil
}

func mapHeartbeatConfig(cfg *config.Config) (heartbeat.Config, error) {
	hc := cfg.Heartbeat
	interval, err := config.Duration("heartbeat.interval", hc.Interval, 0)
	if err != nil {
		return heartbeat.Config{}, err
	}
	tz := hc.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = cfg.Timezone
	}
	out := heartbeat.Config{
		Enabled:       hc.Enabled,
		Interval:      interval,
		ActiveHours:   heartbeat.ActiveHours{Start: hc.ActiveHours.Start, End: hc.ActiveHours.End},
		SkipWeekends:  hc.SkipWeekends,
		Timezone:      tz,
		Target:        hc.Target,
		ChecklistPath: hc.Checklist,
		Model:         hc.Model,
	}
	if err := out.Validate(); err != nil {
		return heartbeat.Config{}, fmt.Errorf("heartbeat: %w", err)
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{}, nil
	}
	n := cfg.Notifier
	retryBase, err := config.Duration("notifier.retry_base", n.RetryBase, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax, err := config.Duration("notifier.retry_max_delay", n.RetryMaxDelay, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.Duration("notifier.send_timeout", n.SendTimeout, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.Duration("notifier.dedup_window", n.DedupWindow, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		SendTimeout:     sendTimeout,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

func alertChannel(cfg *config.Config) string {
	if cfg.Notifier == nil {
		return ""
	}
	return strings.TrimSpace(cfg.Notifier.AlertChannel)
}

func mapChannels(cfg *config.Config) map[string]notifier.ChannelConfig {
	out := make(map[string]notifier.ChannelConfig, len(cfg.Channels))
	for name, c := range cfg.Channels {
		out[name] = notifier.ChannelConfig{ChatID: c.ChatID, ThreadID: c.ThreadID}
	}
	return out
}

// mapStorageConfig reports enabled=false when no durable store is configured.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:        driver,
		Path:          strings.TrimSpace(sc.Path),
		BusyTimeout:   busy,
		MaxRunsPerJob: cfg.Cron.MaxRuns,
	}, true, nil
}

func mapTelemetryConfig(cfg *config.Config) telemetry.Config {
	tc := cfg.Telemetry
	name := tc.ServiceName
	if name == "" {
		name = "tradeclaw"
	}
	return telemetry.Config{
		Enabled:     tc.Enabled,
		Exporter:    tc.Exporter,
		Endpoint:    tc.Endpoint,
		ServiceName: name,
		SampleRate:  tc.SampleRate,
	}
}

// newEngine builds the execution engine named by agent.engine.
func newEngine(cfg *config.Config, log logx.Logger) (agent.Engine, error) {
	ac := cfg.Agent
	switch strings.ToLower(strings.TrimSpace(ac.Engine)) {
	case "echo":
		log.Warn("echo engine selected; sessions complete without a model")
		return agent.EchoEngine{}, nil
	case "", "openai":
		timeout, err := config.Duration("agent.request_timeout", ac.RequestTimeout, 0)
		if err != nil {
			return nil, err
		}
		return agent.NewOpenAIEngine(agent.OpenAIConfig{
			APIKey:         ac.APIKey,
			BaseURL:        ac.BaseURL,
			Model:          ac.Model,
			Temperature:    ac.Temperature,
			MaxSteps:       ac.MaxSteps,
			HistoryLimit:   ac.HistoryLimit,
			SystemPrompt:   ac.SystemPrompt,
			RequestTimeout: timeout,
		}, log)
	default:
		return nil, fmt.Errorf("agent.engine: unknown engine %q", ac.Engine)
	}
}

func workspaceDir(cfg *config.Config) string {
	if ws := strings.TrimSpace(cfg.Workspace); ws != "" {
		return ws
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tradeclaw/pkg/logx"
)

// SummarizeConfigChange lists the changed sections and a few safe attributes
// for logging. Secrets are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		(oldCfg.Telegram.Token == "") != (newCfg.Telegram.Token == "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}
	oldAgent, newAgent := oldCfg.Agent, newCfg.Agent
	oldAgent.APIKey, newAgent.APIKey = "", ""
	if !reflect.DeepEqual(oldAgent, newAgent) || (oldCfg.Agent.APIKey == "") != (newCfg.Agent.APIKey == "") {
		changed = append(changed, "agent")
		attrs = append(attrs, logx.String("agent.engine", newAgent.Engine), logx.String("agent.model", newAgent.Model))
	}
	if oldCfg.Orchestrator != newCfg.Orchestrator {
		changed = append(changed, "orchestrator")
		attrs = append(attrs,
			logx.Int("orchestrator.max_concurrent", newCfg.Orchestrator.MaxConcurrent),
			logx.String("orchestrator.default_timeout", newCfg.Orchestrator.DefaultTimeout),
		)
	}
	if !reflect.DeepEqual(oldCfg.Cron, newCfg.Cron) {
		changed = append(changed, "cron")
		attrs = append(attrs, logx.Bool("cron.enabled", newCfg.Cron.IsEnabled()))
	}
	if oldCfg.Heartbeat != newCfg.Heartbeat {
		changed = append(changed, "heartbeat")
		attrs = append(attrs,
			logx.Bool("heartbeat.enabled", newCfg.Heartbeat.Enabled),
			logx.String("heartbeat.interval", newCfg.Heartbeat.Interval),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}
	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs, logx.Int("channels.count", len(newCfg.Channels)))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
	}
	if oldCfg.Telemetry != newCfg.Telemetry {
		changed = append(changed, "telemetry")
	}
	if strings.TrimSpace(oldCfg.Workspace) != strings.TrimSpace(newCfg.Workspace) || oldCfg.Timezone != newCfg.Timezone {
		changed = append(changed, "workspace")
	}
	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "agent", "storage", "api", "telemetry", "workspace":
			out = append(out, s)
		}
	}
	return out
}

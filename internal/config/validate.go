package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeclaw/internal/task/schedule"
	"tradeclaw/internal/transport"
)

// Duration parses a duration field; empty means def. Negative values are
// rejected.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := Duration(path, raw, 0)
		check(err)
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	dur("agent.request_timeout", cfg.Agent.RequestTimeout)
	dur("orchestrator.default_timeout", cfg.Orchestrator.DefaultTimeout)
	dur("orchestrator.main_turn_timeout", cfg.Orchestrator.MainTurnTimeout)
	dur("cron.tick_interval", cfg.Cron.TickInterval)
	dur("cron.run_timeout", cfg.Cron.RunTimeout)
	dur("heartbeat.interval", cfg.Heartbeat.Interval)

	switch strings.ToLower(strings.TrimSpace(cfg.Agent.Engine)) {
	case "", "openai":
		if strings.TrimSpace(cfg.Agent.APIKey) == "" && strings.TrimSpace(cfg.Agent.BaseURL) == "" {
			check(fmt.Errorf("agent: api_key (or %s) or base_url is required for the openai engine", EnvOpenAIKey))
		}
	case "echo":
	default:
		check(fmt.Errorf("agent.engine: unknown engine %q", cfg.Agent.Engine))
	}

	if cfg.Orchestrator.MaxConcurrent < 0 {
		check(errors.New("orchestrator.max_concurrent must be >= 0"))
	}
	if cfg.Cron.MaxRuns < 0 {
		check(errors.New("cron.max_runs must be >= 0"))
	}

	if _, err := schedule.LoadLocation(cfg.Timezone); err != nil {
		check(fmt.Errorf("timezone: %w", err))
	}
	hb := cfg.Heartbeat
	if hb.ActiveHours.Start != "" || hb.ActiveHours.End != "" {
		if _, _, err := schedule.ParseClock(hb.ActiveHours.Start); err != nil {
			check(fmt.Errorf("heartbeat.active_hours.start: %w", err))
		}
		if _, _, err := schedule.ParseClock(hb.ActiveHours.End); err != nil {
			check(fmt.Errorf("heartbeat.active_hours.end: %w", err))
		}
	}
	if _, err := schedule.LoadLocation(hb.Timezone); err != nil {
		check(fmt.Errorf("heartbeat.timezone: %w", err))
	}

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.send_timeout", n.SendTimeout)
		dur("notifier.dedup_window", n.DedupWindow)
		if n.AlertChannel != "" {
			check(validChannel(cfg.Channels, "notifier.alert_channel", n.AlertChannel))
		}
	}
	if cfg.Cron.MainChannel != "" {
		check(validChannel(cfg.Channels, "cron.main_channel", cfg.Cron.MainChannel))
	}
	if hb.Target != "" {
		check(validChannel(cfg.Channels, "heartbeat.target", hb.Target))
	}
	if cfg.Logging.Chat.Enabled {
		check(validChannel(cfg.Channels, "logging.chat.channel", cfg.Logging.Chat.Channel))
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				check(errors.New("storage.path is required"))
			}
		default:
			check(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	if cfg.API.Enabled && cfg.API.Token == "" && !isLoopback(cfg.API.Addr) {
		check(errors.New("api.token is required when api.addr is not a loopback address"))
	}
	if r := cfg.Telemetry.SampleRate; r < 0 || r > 1 {
		check(errors.New("telemetry.sample_rate must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// ChatTarget resolves a channel name to a chat. ok is false for log-only
// channels.
func (c *Config) ChatTarget(name string) (t transport.ChatTarget, ok bool, err error) {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "log") {
		return transport.ChatTarget{}, false, nil
	}
	if rest, found := strings.CutPrefix(name, "telegram:"); found {
		t, err := transport.ParseChatTarget(rest)
		return t, err == nil, err
	}
	ch, found := c.Channels[name]
	if !found {
		return transport.ChatTarget{}, false, fmt.Errorf("unknown channel %q", name)
	}
	if ch.ChatID == 0 {
		return transport.ChatTarget{}, false, nil
	}
	return transport.ChatTarget{ChatID: ch.ChatID, ThreadID: ch.ThreadID}, true, nil
}

func validChannel(channels map[string]ChannelConfig, path, name string) error {
	c := Config{Channels: channels}
	if _, _, err := c.ChatTarget(name); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func isLoopback(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

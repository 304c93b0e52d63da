package app

import (
	"context"
	"errors"
	"fmt"

	"tradeclaw/internal/eventbus"
	"tradeclaw/internal/notifier"
	logx "tradeclaw/pkg/logx"
)

// alertFor turns a failure event into an operator alert. ok is false for
// events that need no alert.
func alertFor(e eventbus.Event) (n notifier.Notification, ok bool) {
	switch ev := e.Data.(type) {
	case eventbus.SessionEvent:
		if e.Type != eventbus.TopicSessionFailed {
			return n, false
		}
		label := ev.Label
		if label == "" {
			label = ev.SessionID
		}
		level := notifier.LevelWarn
		if ev.ErrorKind == "execution" {
			level = notifier.LevelCritical
		}
		return notifier.Notification{
			Text:     fmt.Sprintf("session %s failed (%s): %s", label, ev.ErrorKind, ev.Error),
			Level:    level,
			DedupKey: "session:" + ev.SessionID,
		}, true
	case eventbus.CronRunEvent:
		if ev.Status != "failure" {
			return n, false
		}
		return notifier.Notification{
			Text:     fmt.Sprintf("cron job %s failed: %s", ev.JobName, ev.Error),
			Level:    notifier.LevelWarn,
			DedupKey: "cron:" + ev.RunID,
		}, true
	case eventbus.HeartbeatEvent:
		if ev.Error == "" {
			return n, false
		}
		return notifier.Notification{
			Text:  "heartbeat failed: " + ev.Error,
			Level: notifier.LevelWarn,
		}, true
	}
	return n, false
}

// forwardAlerts relays failure events to the configured alert channel.
func (a *App) forwardAlerts(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128,
		eventbus.TopicSessionFailed, eventbus.TopicCronRun, eventbus.TopicHeartbeatTick)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			n, ok := alertFor(e)
			if !ok {
				continue
			}
			n.Channel = alertChannel(a.config())
			if n.Channel == "" {
				continue
			}
			if err := a.notif.Notify(ctx, n); err != nil && !errors.Is(err, notifier.ErrDisabled) {
				a.log.Warn("alert not queued", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

package app

import (
	"context"
	"strings"
	"time"

	"tradeclaw/internal/config"
	logx "tradeclaw/pkg/logx"
)

// reloadLoop applies published config changes to the running components.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, newCfg)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, newCfg *config.Config) {
	cc, err := mapConfigs(newCfg)
	if err != nil {
		a.log.Warn("config not applied", logx.Err(err))
		return
	}
	oldCfg := a.config()
	changed, _ := config.SummarizeConfigChange(oldCfg, newCfg)
	if restart := config.RestartRequired(changed); len(restart) > 0 {
		a.log.Warn("restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	lc := cc.log
	if a.tg == nil {
		lc = withoutChatLog(lc)
	}
	a.logs.Apply(lc)
	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.orch.Apply(cc.orch)
	a.cron.Apply(cc.cron)
	a.hb.Apply(cc.heartbeat)

	a.notif.SetChannels(cc.channels)
	prevNotif, _ := mapNotifierConfig(oldCfg)
	a.notif.Apply(cc.notifier)
	switch {
	case prevNotif.Enabled && !cc.notifier.Enabled:
		a.log.Info("alerts disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevNotif.Enabled && cc.notifier.Enabled:
		a.log.Info("alerts enabled via config")
		a.notif.Start(ctx)
	}

	a.cfgMu.Lock()
	a.cfg = newCfg
	a.cfgMu.Unlock()
	a.log.Debug("config applied", logx.String("changed", strings.Join(changed, ",")))
}

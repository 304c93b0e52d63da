// Package app wires the orchestration core, its schedulers and its outer
// surfaces into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"tradeclaw/internal/api"
	"tradeclaw/internal/commands"
	"tradeclaw/internal/config"
	"tradeclaw/internal/eventbus"
	"tradeclaw/internal/notifier"
	"tradeclaw/internal/runtime/supervisor"
	"tradeclaw/internal/storage"
	"tradeclaw/internal/task/cron"
	"tradeclaw/internal/task/heartbeat"
	"tradeclaw/internal/task/orchestrator"
	"tradeclaw/internal/task/registry"
	"tradeclaw/internal/telemetry"
	"tradeclaw/internal/transport"
	"tradeclaw/internal/transport/logsink"
	"tradeclaw/internal/transport/telegram"
	logx "tradeclaw/pkg/logx"
	"tradeclaw/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	cfgMu sync.RWMutex
	cfg   *config.Config // last applied

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	tel   *telemetry.Provider
	store storage.Store

	adapter transport.Adapter
	tg      *telegram.Adapter // nil without a bot token

	orch   *orchestrator.Service
	cron   *cron.Service
	hb     *heartbeat.Service
	notif  *notifier.Service
	router *commands.Router
	api    *api.Server // nil when the HTTP surface is off

	updates chan transport.Update
}

// New loads the config file and builds every component. Nothing runs until
// Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg)
}

// NewConfigManager is exposed so the CLI can validate without building.
var NewConfigManager = config.NewConfigManager

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	cc, err := mapConfigs(cfg)
	if err != nil {
		return nil, err
	}

	// Telegram is built before the log service so the chat log sink can use
	// it; until then log to the console.
	var (
		ad     transport.Adapter
		tg     *telegram.Adapter
		logSvc *logx.Service
		log    logx.Logger
	)
	if cfg.Telegram.Token != "" {
		poll, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, logx.NewConsole("INFO"))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		ad = tg
		logSvc, log = logx.New(cc.log, tg)
	} else {
		logSvc, log = logx.New(withoutChatLog(cc.log), nil)
		ad = logsink.New(log)
	}
	appLog := log.With(logx.String("comp", "app"))
	if tg == nil {
		appLog.Warn("no telegram token; chat delivery goes to the log")
	}

	tel, err := telemetry.Init(ctx, mapTelemetryConfig(cfg))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(tel.Meter)
	if err != nil {
		appLog.Warn("metrics unavailable", logx.Err(err))
		metrics = nil
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		logSvc.Close()
		return nil, err
	} else if enabled {
		store, err = storage.Open(sc, log)
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		appLog.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	engine, err := newEngine(cfg, log.With(logx.String("comp", "agent")))
	if err != nil {
		closeStore(store)
		logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	reg := registry.New(registry.WithMaxRetained(cfg.Orchestrator.MaxRetained))
	orch := orchestrator.New(cc.orch, reg, engine, log, bus,
		orchestrator.WithMetrics(metrics), orchestrator.WithTracer(tel.Tracer))

	notif := notifier.New(cc.notifier, cc.channels, ad, log, bus,
		notifier.WithStore(store), notifier.WithMetrics(metrics))

	cronSvc := cron.New(cc.cron, cron.NewStore(store, cfg.Cron.MaxRuns, log), orch, notif, log, bus,
		cron.WithMetrics(metrics), cron.WithTracer(tel.Tracer), cron.WithChannelCheck(notif.ValidateChannel))

	hb := heartbeat.New(cc.heartbeat, os.DirFS(workspaceDir(cfg)), orch, notif, log, bus,
		heartbeat.WithMetrics(metrics), heartbeat.WithTracer(tel.Tracer))

	router := commands.NewRouter(ad, cfg.Telegram.OwnerUserIDs, log, commands.WithAudit(store))
	router.Register(commands.Builtins(commands.Services{
		Orchestrator: orch,
		Cron:         cronSvc,
		Heartbeat:    hb,
		Timezone:     cfg.Timezone,
	})...)

	var srv *api.Server
	if cfg.API.Enabled {
		srv = api.New(api.Config{
			Addr:                 cfg.API.Addr,
			Token:                cfg.API.Token,
			Pprof:                cfg.API.Pprof,
			MutexProfileFraction: cfg.API.MutexProfileFraction,
			BlockProfileRate:     cfg.API.BlockProfileRate,
		}, api.Services{
			Orchestrator: orch,
			Cron:         cronSvc,
			Heartbeat:    hb,
			Timezone:     cfg.Timezone,
		}, log)
	}

	return &App{
		cfgm:    cfgm,
		cfg:     cfg,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		tel:     tel,
		store:   store,
		adapter: ad,
		tg:      tg,
		orch:    orch,
		cron:    cronSvc,
		hb:      hb,
		notif:   notif,
		router:  router,
		api:     srv,
		updates: make(chan transport.Update, 256),
	}, nil
}

// withoutChatLog disables the chat log sink; without a chat transport its
// records would be logged again by the log sink.
func withoutChatLog(lc logx.Config) logx.Config {
	lc.Chat.Enabled = false
	return lc
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

func (a *App) Orchestrator() *orchestrator.Service { return a.orch }
func (a *App) Cron() *cron.Service                 { return a.cron }
func (a *App) Heartbeat() *heartbeat.Service       { return a.hb }
func (a *App) Notifier() *notifier.Service         { return a.notif }
func (a *App) Bus() eventbus.Bus                   { return a.bus }

func (a *App) config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfigs(cfg)
		return err
	})

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.notif.Start(run)
	a.orch.Start(run)
	if err := a.cron.Start(run); err != nil {
		return err
	}
	a.hb.Start(run)
	if a.api != nil {
		if err := a.api.Start(run); err != nil {
			return err
		}
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	if a.tg != nil {
		a.sup.Go0("telegram.commands", func(context.Context) {
			cmds := a.router.Commands()
			out := make([]telegram.Command, 0, len(cmds))
			for _, c := range cmds {
				out = append(out, telegram.Command{Name: c.Name, Description: c.Description})
			}
			if err := a.tg.SetCommands(out); err != nil {
				a.log.Warn("set bot commands failed", logx.Err(err))
			}
		})
	}
	a.sup.Go0("alerts.forward", a.forwardAlerts)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, a.log)
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd ready notify failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.Bool("telegram", a.tg != nil),
		logx.Bool("api", a.api != nil),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd stopping notify failed", logx.Err(err))
	}

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Intake first so nothing new is scheduled while workers drain.
	step("api", 2*time.Second, func(c context.Context) error {
		if a.api != nil {
			return a.api.Stop(c)
		}
		return nil
	})
	step("cron", 3*time.Second, a.cron.Stop)
	step("heartbeat", 2*time.Second, a.hb.Stop)
	step("orchestrator", 3*time.Second, a.orch.Stop)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("telemetry", 2*time.Second, a.tel.Shutdown)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	err := a.sup.Err()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// Package app wires the bot together. Every component is constructed here
// and passed its dependencies explicitly; there are no package-level
// singletons.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"assistbot/internal/config"
	"assistbot/internal/floodguard"
	"assistbot/internal/notify"
	"assistbot/internal/scheduler"
	"assistbot/internal/storage"
	"assistbot/internal/transport/telegram"
	logx "assistbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store storage.Store
	notif *notify.Service
	sched *scheduler.Service
	guard *floodguard.Guard
	tg    *telegram.Bot
	cron  *cron.Cron

	watchCancel context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	tg, err := telegram.New(telegram.Config{
		Token:        cfg.Telegram.Token,
		AdminIDs:     cfg.Telegram.AdminIDs,
		NotifyChatID: cfg.Telegram.NotifyChatID,
		PollTimeout:  pollTimeout,
	}, store, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	notif := notify.New(notify.Config{
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: cfg.Notifier.RatePerSec,
	}, tg, log.With(logx.String("comp", "notify")))

	sched := scheduler.New(store, tg, store, notif, log.With(logx.String("comp", "scheduler")))

	// The guard reads a fresh config snapshot on every message, so file
	// edits apply without a restart.
	floodCfg := func() floodguard.Config { return floodConfig(cfgm.Get()) }
	guard := floodguard.New(store, floodguard.NewStateStore(), floodCfg, notif,
		log.With(logx.String("comp", "floodguard")))

	tg.Bind(sched, guard, floodCfg)

	a := &App{
		cfgm:  cfgm,
		logs:  logs,
		log:   log.With(logx.String("comp", "app")),
		store: store,
		notif: notif,
		sched: sched,
		guard: guard,
		tg:    tg,
		cron:  cron.New(),
	}
	a.registerHousekeeping()
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.notif.Start(ctx)

	armed, err := a.sched.ReloadPending(ctx)
	if err != nil {
		return err
	}
	a.log.Info("scheduler restored", logx.Int("jobs", armed))

	a.cron.Start()
	a.tg.Start(ctx)

	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(wctx)
	}()
	sub := a.cfgm.Subscribe(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-wctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok || cfg == nil {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.watchCancel != nil {
		a.watchCancel()
	}
	a.tg.Stop()
	stopCtx := a.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	a.sched.Stop()
	a.notif.Stop()
	a.wg.Wait()
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}

// applyConfig propagates a hot-reloaded config to the components that can
// take it at runtime. The flood guard needs nothing here: it snapshots the
// config on every Admit.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.notif.Apply(notify.Config{
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: cfg.Notifier.RatePerSec,
	})
	a.log.Info("config applied")
}

func (a *App) registerHousekeeping() {
	// Violation rows only matter inside the escalation window; keep a day.
	_, _ = a.cron.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := a.store.PruneViolations(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			a.log.Warn("violation prune failed", logx.Err(err))
			return
		}
		if n > 0 {
			a.log.Debug("violations pruned", logx.Int64("rows", n))
		}
	})
	_, _ = a.cron.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := a.store.PurgeDoneJobs(ctx, time.Now().Add(-7*24*time.Hour))
		if err != nil {
			a.log.Warn("done-job purge failed", logx.Err(err))
			return
		}
		if n > 0 {
			a.log.Debug("done jobs purged", logx.Int64("rows", n))
		}
	})
}

// floodConfig maps the stored config shape onto the guard's runtime values,
// falling back to defaults for anything omitted. Durations were validated
// at load time, so parse errors here mean defaults.
func floodConfig(c *config.Config) floodguard.Config {
	out := floodguard.Config{
		RateLimit:        config.DefaultRateLimit,
		TimeWindow:       config.DefaultTimeWindow,
		MuteDuration:     config.DefaultMuteDuration,
		EscalationWindow: config.DefaultEscalationWindow,
	}
	if c == nil {
		return out
	}
	out.Enabled = c.Flood.Enabled
	if c.Flood.RateLimit > 0 {
		out.RateLimit = c.Flood.RateLimit
	}
	if d, err := config.ParseDurationField("flood.time_window", c.Flood.TimeWindow); err == nil && d > 0 {
		out.TimeWindow = d
	}
	if d, err := config.ParseDurationField("flood.mute_duration", c.Flood.MuteDuration); err == nil && d > 0 {
		out.MuteDuration = d
	}
	if d, err := config.ParseDurationField("flood.escalation_window", c.Flood.EscalationWindow); err == nil && d > 0 {
		out.EscalationWindow = d
	}
	return out
}

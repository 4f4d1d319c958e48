// Package app assembles the engine: config, logging, storage, event bus,
// runner, and autopilot. The cmd binary stays a thin shell around it.
package app

import (
	"context"
	"fmt"

	"postpilot/internal/config"
	"postpilot/internal/eventbus"
	"postpilot/internal/job"
	"postpilot/internal/job/autopilot"
	"postpilot/internal/job/runner"
	"postpilot/internal/jobs"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	logSvc *logx.Service
	log    logx.Logger

	bus   eventbus.Bus
	store storage.Store

	runner *runner.Runner
	ap     *autopilot.Service

	stopWatch context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.BuildLogging())
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error {
		return c.Validate()
	})

	storeCfg, err := cfg.BuildStorage()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	apCfg, err := cfg.BuildAutopilot()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	var sink runner.Sink
	if store != nil {
		sink = store
	}
	run := runner.New(apCfg.Config, sink, log.With(logx.String("comp", "runner")), bus)
	ap := autopilot.New(apCfg, run, log.With(logx.String("comp", "autopilot")), bus)

	a := &App{
		cfgm:   cfgm,
		logSvc: logSvc,
		log:    log,
		bus:    bus,
		store:  store,
		runner: run,
		ap:     ap,
	}
	if err := a.registerBuiltins(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) registerBuiltins() error {
	regs := map[job.Type]job.Fn{
		job.TypeContentGeneration: jobs.ContentGeneration(),
		job.TypeDailySummary:      jobs.DailySummary(a.store),
		job.TypeWeeklyMaintenance: jobs.WeeklyMaintenance(a.store),
	}
	for typ, fn := range regs {
		if err := a.ap.RegisterJob(typ, fn); err != nil {
			return err
		}
	}
	return nil
}

// Autopilot exposes the scheduler for control surfaces built on top.
func (a *App) Autopilot() *autopilot.Service { return a.ap }

// Runner exposes run history and manual execution.
func (a *App) Runner() *runner.Runner { return a.runner }

// Start brings the engine up and begins following the config file.
func (a *App) Start(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)
	a.stopWatch = cancel

	go func() {
		if err := a.cfgm.Watch(watchCtx); err != nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()
	go a.applyConfigUpdates(watchCtx)
	go a.consumeEvents(watchCtx)

	a.ap.Start()
	a.log.Info("engine started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.stopWatch != nil {
		a.stopWatch()
	}
	a.ap.Stop()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	a.log.Info("engine stopped")
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
	return nil
}

// applyConfigUpdates reacts to hot reloads: logging settings apply in
// place, the autopilot swaps its config, and a flipped enabled bit
// starts or stops the timer set.
func (a *App) applyConfigUpdates(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logSvc.Apply(cfg.BuildLogging())

			apCfg, err := cfg.BuildAutopilot()
			if err != nil {
				// Validated before publish; a failure here means the
				// validator and builder disagree.
				a.log.Error("config rebuild failed", logx.Err(err))
				continue
			}
			a.ap.UpdateConfig(apCfg)
			if apCfg.Enabled {
				a.ap.Start()
			} else {
				a.ap.Stop()
			}
			a.log.Info("config applied", logx.String("mode", string(apCfg.Mode)))
		}
	}
}

// consumeEvents drains the bus into the log so every lifecycle transition
// is visible even without an external subscriber.
func (a *App) consumeEvents(ctx context.Context) {
	ch, unsubscribe := a.bus.Subscribe(64)
	defer unsubscribe()

	evLog := a.log.With(logx.String("comp", "events"))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			evLog.Debug(ev.Type, logx.Any("data", ev.Data))
		}
	}
}

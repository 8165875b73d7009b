// Package app wires config, logging, storage, the timer engine, the
// reminder manager, and the Matrix adapter into one process.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"remindbot/internal/command"
	"remindbot/internal/config"
	"remindbot/internal/registry"
	"remindbot/internal/reminder"
	"remindbot/internal/store"
	"remindbot/internal/timer"
	"remindbot/internal/transport"
	"remindbot/internal/transport/matrix"
	"remindbot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	st      *store.Store
	engine  *timer.Engine
	mgr     *reminder.Manager
	adapter *matrix.Adapter
	router  *command.Router

	messages chan transport.RoomMessage

	runMu     sync.Mutex
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "matrix"))
	ad, err := matrix.New(matrix.Config{
		HomeserverURL: cfg.Homeserver.URL,
		UserID:        cfg.Homeserver.UserID,
		LoginType:     cfg.Homeserver.LoginType,
		Password:      cfg.Homeserver.Password,
		AccessToken:   cfg.Homeserver.AccessToken,
		DeviceName:    cfg.Homeserver.DeviceName,
		SyncTimeout:   cfg.SyncTimeout(),
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	st, err := store.Open(store.Config{
		Path:            cfg.Storage.Path,
		BusyTimeout:     cfg.BusyTimeout(),
		DefaultTimezone: cfg.Timezone(),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	engine := timer.New(log.With(logx.String("comp", "timer")))
	reg := registry.New[*reminder.Reminder]()
	mgr := reminder.NewManager(engine, reg, st, ad, reminder.ManagerConfig{
		AlarmEvery:  cfg.AlarmEvery(),
		SilenceHint: cfg.Prefix() + "silence",
	}, log.With(logx.String("comp", "reminder")))

	filters, err := cfg.CompileFilters()
	if err != nil {
		st.Close()
		logSvc.Close()
		return nil, err
	}
	router, err := command.NewRouter(mgr, ad, command.RouterConfig{
		Prefix:   cfg.Prefix(),
		Filters:  filters,
		Timezone: cfg.Timezone(),
	}, log.With(logx.String("comp", "command")))
	if err != nil {
		st.Close()
		logSvc.Close()
		return nil, err
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		st:       st,
		engine:   engine,
		mgr:      mgr,
		adapter:  ad,
		router:   router,
		messages: make(chan transport.RoomMessage, 256),
	}, nil
}

// Start brings the process up in dependency order: persisted reminders are
// fully rebuilt before the engine arms a single timer, and the engine is
// armed before the sync loop can deliver the first command.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	a.runMu.Lock()
	a.runCancel = cancel
	a.runMu.Unlock()

	if err := a.mgr.Recover(runCtx); err != nil {
		cancel()
		return fmt.Errorf("recover reminders: %w", err)
	}
	a.engine.Start(runCtx)

	if err := a.adapter.Start(runCtx, a.messages); err != nil {
		cancel()
		return fmt.Errorf("start matrix adapter: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dispatchLoop(runCtx)
	}()

	// Hot reload currently covers logging only; schedule-affecting config
	// needs a restart.
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(mapLogConfig(newCfg))
				a.log.Info("logging config reapplied")
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.log.Info("app started")
	return nil
}

func (a *App) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.messages:
			if !ok {
				return
			}
			a.router.HandleMessage(ctx, msg)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return nil
	}

	a.log.Info("stopping")
	cancel()

	// Bound each step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, c := context.WithTimeout(ctx, max)
		defer c()
		done := make(chan error, 1)
		go func() { done <- fn(stepCtx) }()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("timer", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("loops", 2*time.Second, func(c context.Context) error {
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("store", 1*time.Second, func(context.Context) error { return a.st.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Room: logx.RoomConfig{
			Enabled:    cfg.Logging.Room.Enabled,
			RoomID:     cfg.Logging.Room.RoomID,
			MinLevel:   cfg.Logging.Room.MinLevel,
			RatePerSec: cfg.Logging.Room.RatePerSec,
		},
	}
}

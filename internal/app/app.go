// Package app wires the engine from configuration and owns its lifecycle:
// start order, hot reload and bounded shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"herald/internal/admin"
	"herald/internal/config"
	"herald/internal/content"
	"herald/internal/dedup"
	"herald/internal/entity"
	"herald/internal/evaluator"
	"herald/internal/eventbus"
	"herald/internal/notifier"
	"herald/internal/outbox"
	"herald/internal/pipeline"
	"herald/internal/retry"
	rtsup "herald/internal/runtime/supervisor"
	"herald/internal/storage"
	"herald/internal/task/engine"
	"herald/internal/task/scheduler"
	"herald/internal/waitlist"
	logx "herald/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	ents   *entity.Memory
	claims *dedup.RedisClaimer // nil with the memory backend
	chans  channels

	eval  *evaluator.Evaluator
	disp  *notifier.Dispatcher
	pipe  *pipeline.Pipeline
	sweep *retry.Sweeper
	queue *outbox.Queue
	promo *waitlist.Promoter

	engine *engine.Service
	sched  *scheduler.Service
	admin  *admin.Service
}

// New loads cfgPath and builds the app. The file is watched after Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := build(cfg)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

// NewFromConfig builds the app from an already validated config; there is
// no file to watch.
func NewFromConfig(cfg *config.Config) (*App, error) {
	return build(cfg)
}

func build(cfg *config.Config) (a *App, err error) {
	st, err := settingsFrom(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, root := logx.New(st.log, nil)
	log := root.With(logx.String("comp", "app"))

	a = &App{cfg: cfg, log: log, logs: logSvc, bus: eventbus.New()}
	defer func() {
		if err != nil {
			a.closeResources()
			_ = logSvc.Close()
		}
	}()

	sc, err := storageConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, root); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	if cfg.Entities.Fixtures != "" {
		if a.ents, err = entity.LoadFixtures(cfg.Entities.Fixtures); err != nil {
			return nil, err
		}
	} else {
		a.ents = entity.NewMemory()
	}

	var claimer dedup.Claimer
	switch cfg.Dedup.Backend {
	case "", "memory":
	case "redis":
		rc, err := dedup.NewRedisClaimer(dedup.RedisOptions{
			Addr:     cfg.Dedup.Redis.Addr,
			Password: cfg.Dedup.Redis.Password,
			DB:       cfg.Dedup.Redis.DB,
			Prefix:   cfg.Dedup.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		a.claims = rc
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = rc.Ping(pctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		claimer = rc
	default:
		return nil, fmt.Errorf("unknown dedup.backend: %s", cfg.Dedup.Backend)
	}

	if a.chans, err = buildChannels(cfg.Channels, root); err != nil {
		return nil, err
	}
	if cfg.Logging.Alert.Enabled {
		if a.chans.telegram != nil {
			logSvc.SetAlerter(a.chans.telegram)
		} else {
			log.Warn("logging.alert enabled but push driver is not telegram; alerts are dropped")
		}
	}

	builder := content.New()
	a.eval = evaluator.New(a.ents, st.rules, root)
	a.disp = notifier.New(st.notifier, a.ents, a.chans.set, root)
	a.pipe = pipeline.New(st.pipeline, st.policy, pipeline.Deps{
		Evaluator:  a.eval,
		Guard:      dedup.New(a.store, claimer, st.claimTTL, root),
		Builder:    builder,
		Dispatcher: a.disp,
		Store:      a.store,
		Bus:        a.bus,
	}, root)
	a.sweep = retry.NewSweeper(a.store, a.pipe, st.sweep, root)
	a.queue = outbox.New(st.queue, a.store, a.chans.set, builder, a.bus, root)
	a.promo = waitlist.New(a.ents, a.pipe, a.bus, root)
	a.ents.SetHooks(entity.Hooks{
		SlotFreed:    a.onSlotFreed,
		EventRemoved: a.onEventRemoved,
	})

	a.engine = engine.New(st.engine, root.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, a.engine, root.With(logx.String("comp", "scheduler")))
	if err = a.registerTasks(cfg); err != nil {
		return nil, err
	}

	a.admin = admin.New(st.admin, admin.Backend{
		Tasks:    a.sched,
		Records:  a.store,
		Messages: a.store,
		Notifier: a.pipe,
		Outbox:   a.queue,
		Waitlist: a.promo,
	}, root)
	return a, nil
}

func (a *App) onSlotFreed(ctx context.Context, parentID string) {
	got, err := a.promo.Promote(ctx, parentID)
	if err != nil {
		a.log.Warn("waitlist promotion failed", logx.String("parent", parentID), logx.Err(err))
		return
	}
	if len(got) > 0 {
		a.log.Debug("slot freed", logx.String("parent", parentID), logx.Int("promoted", len(got)))
	}
}

func (a *App) onEventRemoved(ctx context.Context, eventID string) {
	if _, err := a.pipe.CancelRelated(ctx, eventID); err != nil {
		a.log.Warn("cancel related records failed", logx.String("event", eventID), logx.Err(err))
	}
}

func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }
func (a *App) Queue() *outbox.Queue { return a.queue }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Entities() *entity.Memory { return a.ents }
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is cancelled (fatal error
// or Stop).
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
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.engine.Start(runCtx)
	if a.cfg.Scheduler.Enabled {
		a.sched.Start(runCtx)
	} else {
		a.log.Info("scheduler disabled; tasks run only via the admin API")
	}
	a.admin.Start(runCtx)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			if _, err := settingsFrom(cfg); err != nil {
				return err
			}
			_, err := storageConfig(cfg.Storage)
			return err
		})
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started",
		logx.Int("tasks", len(a.sched.Names())),
		logx.Bool("scheduler", a.cfg.Scheduler.Enabled),
		logx.Bool("admin", a.cfg.Admin.Enabled))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "resources", time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeResources() error {
	var errs []error
	if a.claims != nil {
		errs = append(errs, a.claims.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// step runs one shutdown step bounded by max (never past ctx's deadline).
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

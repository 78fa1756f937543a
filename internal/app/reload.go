package app

import (
	"context"
	"strings"
	"time"

	"herald/internal/config"
	"herald/internal/task/scheduler"
	logx "herald/pkg/logx"
)

// restartOnly sections are read once at build time.
var restartOnly = []string{"storage", "dedup", "channels", "entities"}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the latest config matters.
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
			if newCfg != nil {
				a.applyConfig(ctx, newCfg)
			}
		}
	}
}

// applyConfig pushes the hot-reloadable parts of newCfg into the running
// components. newCfg has already passed settingsFrom in the validator.
func (a *App) applyConfig(ctx context.Context, newCfg *config.Config) {
	change := config.Diff(a.cfg, newCfg)
	if change.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	st, err := settingsFrom(newCfg)
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
		return
	}
	prev := a.cfg
	a.cfg = newCfg

	if change.Has("logging") {
		a.logs.Apply(st.log)
	}
	if change.Has("dispatch") {
		a.disp.Apply(st.notifier)
	}
	if change.Has("dispatch") || change.Has("retry") || change.Has("retention") {
		a.pipe.Apply(st.pipeline, st.policy)
	}
	if change.Has("retry") {
		a.sweep.SetConfig(st.sweep)
	}
	if change.Has("retry") || change.Has("queue") {
		a.queue.Apply(st.queue)
	}
	if change.Has("evaluator") {
		a.eval.SetRules(st.rules)
	}
	if change.Has("scheduler") {
		a.engine.Apply(st.engine)
		a.sched.Apply(scheduler.Config{Timezone: newCfg.Scheduler.Timezone})
	}
	if change.Has("scheduler") || change.Has("evaluator") {
		if err := a.registerTasks(newCfg); err != nil {
			a.log.Warn("task registration failed", logx.Err(err))
		}
		switch {
		case prev.Scheduler.Enabled && !newCfg.Scheduler.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prev.Scheduler.Enabled && newCfg.Scheduler.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}
	if change.Has("admin") {
		a.admin.Reconfigure(ctx, st.admin)
	}

	var pending []string
	for _, s := range restartOnly {
		if change.Has(s) {
			pending = append(pending, s)
		}
	}
	if len(pending) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(pending, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Info("config reloaded", fields...)
}

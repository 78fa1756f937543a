package app

import (
	"context"
	"errors"
	"time"

	"herald/internal/config"
	"herald/internal/evaluator"
	"herald/internal/notification"
	"herald/internal/task/engine"
	logx "herald/pkg/logx"
)

const (
	taskSweep   = "retry.sweep"
	taskDrain   = "queue.drain"
	taskCleanup = "retention.cleanup"

	evaluatePrefix = "evaluate."
)

// Default schedules. Evaluation runs well inside the tolerance window so a
// target is seen by at least one tick.
var defaultSchedules = map[string]string{
	taskSweep:   "every 1m",
	taskDrain:   "every 30s",
	taskCleanup: "0 3 * * *",
}

const defaultEvaluateSchedule = "every 5m"

func evaluateTask(kind notification.Kind) string { return evaluatePrefix + string(kind) }

// registerTasks (re)registers every task the config asks for and removes the
// ones it no longer does. Registering an existing name replaces it.
func (a *App) registerTasks(cfg *config.Config) error {
	want := map[string]jobSpec{
		taskSweep:   {def: defaultSchedules[taskSweep], run: a.runSweep},
		taskDrain:   {def: defaultSchedules[taskDrain], run: a.runDrain},
		taskCleanup: {def: defaultSchedules[taskCleanup], run: a.runCleanup},
	}
	for _, kind := range a.eval.Kinds() {
		want[evaluateTask(kind)] = jobSpec{def: defaultEvaluateSchedule, run: a.evaluateJob(kind)}
	}

	var errs []error
	for name, js := range want {
		if !cfg.Scheduler.TaskEnabled(name) {
			delete(want, name)
			continue
		}
		timeout, err := config.ParseDurationField("scheduler.tasks."+name+".timeout", cfg.Scheduler.Tasks[name].Timeout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := a.sched.AddSchedule(name, cfg.Scheduler.TaskSchedule(name, js.def), timeout, js.run); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range a.sched.Names() {
		if _, ok := want[name]; !ok {
			a.sched.Remove(name)
			a.log.Info("task unregistered", logx.String("task", name))
		}
	}
	// every registered task must be able to run alongside the others
	a.engine.Reserve(len(want))
	return errors.Join(errs...)
}

type jobSpec struct {
	def string
	run func(ctx context.Context) error
}

func (a *App) evaluateJob(kind notification.Kind) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := a.pipe.RunKind(ctx, kind, time.Now())
		if errors.Is(err, evaluator.ErrUnknownKind) {
			return engine.NoRetry(err)
		}
		return err
	}
}

func (a *App) runSweep(ctx context.Context) error {
	_, err := a.sweep.Sweep(ctx, time.Now())
	return err
}

func (a *App) runDrain(ctx context.Context) error {
	_, err := a.queue.Drain(ctx, time.Now())
	return err
}

func (a *App) runCleanup(ctx context.Context) error {
	_, err := a.pipe.Cleanup(ctx, time.Now())
	return err
}

package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"herald/internal/task/engine"
	logx "herald/pkg/logx"
)

var ErrUnknownTask = errors.New("unknown task")

// AddSchedule parses schedule (see ParseSchedule) and registers the task.
// Registering an existing name replaces it.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	return s.AddScheduleOpt(name, schedule, timeout, engine.TaskOptions{}, job)
}

func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt engine.TaskOptions, job Job) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	if ps.Kind == SpecInterval {
		return s.register(name, "@every "+ps.Every.String(), timeout, opt, job)
	}
	if _, err := s.parser.Parse(ps.Cron); err != nil {
		return fmt.Errorf("task %s: invalid cron %q: %w", name, ps.Cron, err)
	}
	return s.register(name, ps.Cron, timeout, opt, job)
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("task %s: invalid cron %q: %w", name, spec, err)
	}
	return s.register(name, spec, timeout, engine.TaskOptions{}, job)
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, job Job) error {
	if every <= 0 {
		return fmt.Errorf("task %s: interval must be > 0", name)
	}
	return s.register(name, "@every "+every.String(), timeout, engine.TaskOptions{}, job)
}

func (s *Service) register(name, spec string, timeout time.Duration, opt engine.TaskOptions, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("task name required")
	}
	if job == nil {
		return fmt.Errorf("task %s: job is nil", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &engine.RunState{}
	if old, ok := s.defs[name]; ok {
		// keep the flag so a replaced task cannot overlap its own in-flight run
		state = old.state
		s.unscheduleLocked(old)
	}
	d := &scheduleDef{name: name, spec: spec, timeout: timeout, job: job, opt: opt, state: state}
	s.defs[name] = d
	if s.c != nil {
		if err := s.addCronLocked(d); err != nil {
			delete(s.defs, name)
			return fmt.Errorf("task %s: %w", name, err)
		}
	}
	s.log.Debug("task registered", logx.String("task", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return nil
}

// RunNow triggers name immediately, outside its schedule. It shares the
// task's overlap guard, so it returns engine.ErrOverlapSkip while a run is
// in flight.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	d, ok := s.defs[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(engine.Task{Name: d.name, Timeout: d.timeout, Run: d.job, Opt: d.opt, State: d.state})
}

// Remove unregisters name. It reports whether the task existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[strings.TrimSpace(name)]
	if !ok {
		return false
	}
	s.unscheduleLocked(d)
	delete(s.defs, d.name)
	s.log.Debug("task removed", logx.String("task", d.name))
	return true
}

// Names lists registered task names.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for n := range s.defs {
		out = append(out, n)
	}
	return out
}

func (s *Service) unscheduleLocked(d *scheduleDef) {
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	d.entryID = 0
}

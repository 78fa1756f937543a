// Package engine executes scheduled task runs on a resident worker pool
// that grows on demand, with per-task overlap guards, timeouts, panic recovery and run history.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"herald/internal/eventbus"
	rtsup "herald/internal/runtime/supervisor"
	logx "herald/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q      chan queuedTask
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	reserve int

	inFlight atomic.Int32
	idle     atomic.Int32
	extra    atomic.Int32
	dropped  atomic.Uint64
	idSeq    atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
	stats   map[string]*TaskStats
}

type queuedTask struct {
	id         string
	task       Task
	timeout    time.Duration
	opt        TaskOptions
	enqueuedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:   normalize(cfg),
		log:   log,
		bus:   bus,
		stats: map[string]*TaskStats{},
	}
}

func normalize(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 32
	}
	cfg.MaxWorkers = max(cfg.MaxWorkers, cfg.Workers)
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	return cfg
}

// Apply swaps the config. The resident worker count and queue size take
// effect on the next Start; MaxWorkers, timeouts and history size apply
// immediately.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = normalize(cfg)
	s.mu.Unlock()
}

// Start launches the workers under a supervisor. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.q = make(chan queuedTask, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	q, stopCh := s.q, s.stopCh
	for i := range s.cfg.Workers {
		s.sup.GoRestart(fmt.Sprintf("task.worker.%d", i), func(ctx context.Context) error {
			s.worker(ctx, stopCh, q, 0)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-stopCh:
				return nil
			default:
				return errors.New("worker exited unexpectedly")
			}
		})
	}
	s.log.Info("task engine started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("max_workers", s.limitLocked()),
		logx.Int("queue", s.cfg.QueueSize))
}

// Stop stops accepting work, cancels in-flight runs and waits for the
// workers, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh, sup, q := s.stopCh, s.sup, s.q
	s.stopCh, s.sup, s.q = nil, nil, nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	err := sup.Stop(ctx)
	// queued runs never started; free their overlap flags for the next Start
	for {
		select {
		case qt := <-q:
			qt.task.State.release()
			continue
		default:
		}
		break
	}
	if err != nil {
		s.log.Warn("task engine stop incomplete", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

// Supervisor exposes the worker supervisor for health output (nil when
// stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Enqueue hands t to a worker without blocking. A task whose State is held
// by an earlier run is rejected with ErrOverlapSkip. When every worker is
// busy a burst worker is started, so distinct tasks do not wait on each
// other.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}

	s.mu.Lock()
	q, cfg := s.q, s.cfg
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}

	if !t.State.tryAcquire() {
		s.noteSkip(t.Name)
		s.log.Debug("task skipped: overlap", logx.String("task", t.Name))
		return ErrOverlapSkip
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{
		id:         fmt.Sprintf("run-%x-%d", time.Now().UnixNano(), s.idSeq.Add(1)),
		task:       t,
		timeout:    timeout,
		opt:        t.Opt.withDefaults(),
		enqueuedAt: time.Now(),
	}
	select {
	case q <- qt:
		s.scaleUp(q)
		return nil
	default:
		t.State.release()
		s.dropped.Add(1)
		s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q, limit := s.cfg, s.q, s.limitLocked()
	s.mu.Unlock()

	snap := Snapshot{
		Workers:    cfg.Workers + int(s.extra.Load()),
		MaxWorkers: limit,
		InFlight:   int(s.inFlight.Load()),
		Dropped:    s.dropped.Load(),
		Tasks:      map[string]TaskStats{},
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	for name, st := range s.stats {
		snap.Tasks[name] = *st
	}
	s.hmu.Unlock()
	return snap
}

// Stats returns the counters for one task name.
func (s *Service) Stats(name string) (TaskStats, bool) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	st, ok := s.stats[name]
	if !ok {
		return TaskStats{}, false
	}
	return *st, true
}

func (s *Service) statsLocked(name string) *TaskStats {
	st := s.stats[name]
	if st == nil {
		st = &TaskStats{}
		s.stats[name] = st
	}
	return st
}

func (s *Service) noteSkip(name string) {
	s.hmu.Lock()
	s.statsLocked(name).Skips++
	s.hmu.Unlock()
}

func (s *Service) record(item HistoryItem, status string) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	st := s.statsLocked(item.Name)
	st.Runs++
	if status != StatusOK {
		st.Failures++
	}
	st.LastStatus = status
	st.LastStarted = item.Started
	st.LastDuration = item.Duration
	st.LastError = item.Error
}

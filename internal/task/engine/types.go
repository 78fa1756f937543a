package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// Config controls the executor behind the scheduler.
type Config struct {
	// Workers is the resident pool size.
	Workers int
	// MaxWorkers caps resident plus burst workers.
	MaxWorkers int
	QueueSize  int
	// DefaultTimeout applies when Task.Timeout is 0.
	DefaultTimeout time.Duration
	HistorySize    int
}

// TaskOptions tunes in-run retries. RetryMax 0 means one attempt; the next
// schedule tick is the normal retry path.
type TaskOptions struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (o TaskOptions) withDefaults() TaskOptions {
	o.RetryMax = max(o.RetryMax, 0)
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	return o
}

// RunState is a task's single is-running flag. It is held from enqueue
// until the run finishes, so a run that is queued also blocks overlap.
type RunState struct {
	busy atomic.Bool
}

func (s *RunState) tryAcquire() bool { return s == nil || s.busy.CompareAndSwap(false, true) }

func (s *RunState) release() {
	if s != nil {
		s.busy.Store(false)
	}
}

// Running reports whether a run holds the flag.
func (s *RunState) Running() bool { return s != nil && s.busy.Load() }

type Task struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	// State gates overlap; nil allows concurrent runs of the same task.
	State *RunState
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// TaskStats are per-name counters kept for the task listing.
type TaskStats struct {
	Runs         uint64        `json:"runs"`
	Skips        uint64        `json:"skips"`
	Failures     uint64        `json:"failures"`
	LastStatus   string        `json:"last_status,omitempty"`
	LastStarted  time.Time     `json:"last_started,omitzero"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
	StatusSkipped = "skipped"
)

type Snapshot struct {
	Workers    int                  `json:"workers"`
	MaxWorkers int                  `json:"max_workers"`
	QueueLen   int                  `json:"queue_len"`
	QueueCap   int                  `json:"queue_cap"`
	InFlight   int                  `json:"in_flight"`
	Dropped    uint64               `json:"dropped"`
	Tasks      map[string]TaskStats `json:"tasks"`
	History    []HistoryItem        `json:"history"`
}

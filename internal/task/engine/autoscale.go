package engine

import (
	"context"
	"time"

	logx "herald/pkg/logx"
)

// extraIdle is how long a burst worker waits for more work before it exits.
const extraIdle = 30 * time.Second

// Reserve raises the worker ceiling to at least n so that n distinct tasks
// can run at the same time even when MaxWorkers is configured lower.
func (s *Service) Reserve(n int) {
	s.mu.Lock()
	s.reserve = max(n, 0)
	s.mu.Unlock()
}

// limitLocked is the total worker ceiling (resident plus burst).
func (s *Service) limitLocked() int {
	return max(s.cfg.MaxWorkers, s.cfg.Workers, s.reserve)
}

// scaleUp starts a burst worker when more runs are queued than there are
// idle workers to take them. The resident pool stays at Workers; burst
// workers drain the queue and exit after extraIdle without work.
func (s *Service) scaleUp(q chan queuedTask) {
	if len(q) <= int(s.idle.Load()) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q != q || s.sup == nil {
		return
	}
	running := s.cfg.Workers + int(s.extra.Load())
	if running >= s.limitLocked() {
		s.log.Debug("task engine at worker limit", logx.Int("workers", running), logx.Int("queue_len", len(q)))
		return
	}
	s.extra.Add(1)
	stopCh := s.stopCh
	s.sup.Go("task.burst", func(ctx context.Context) error {
		s.worker(ctx, stopCh, q, extraIdle)
		s.extra.Add(-1)
		// a run may have been queued while this worker was retiring
		if ctx.Err() == nil {
			s.scaleUp(q)
		}
		return nil
	})
}

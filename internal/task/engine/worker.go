package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"herald/internal/eventbus"
	logx "herald/pkg/logx"
)

// TaskEvent is the payload of task lifecycle events on the bus.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

// worker runs queued tasks until stopped. With idleExit > 0 it also returns
// after that long without work, unless runs are still queued.
func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, q <-chan queuedTask, idleExit time.Duration) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var timer *time.Timer
	if idleExit > 0 {
		timer = time.NewTimer(idleExit)
		defer timer.Stop()
	}
	for {
		var expired <-chan time.Time
		if timer != nil {
			timer.Reset(idleExit)
			expired = timer.C
		}
		s.idle.Add(1)
		select {
		case <-ctx.Done():
			s.idle.Add(-1)
			return
		case <-stopCh:
			s.idle.Add(-1)
			return
		case <-expired:
			s.idle.Add(-1)
			if len(q) == 0 {
				return
			}
		case qt := <-q:
			s.idle.Add(-1)
			s.inFlight.Add(1)
			s.execOne(ctx, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask, rng *rand.Rand) {
	defer qt.task.State.release()

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	log := s.log.With(logx.String("task", qt.task.Name), logx.String("run", qt.id))
	log.Debug("task started", logx.Duration("queue_delay", queueDelay))

	var (
		err      error
		attempts int
		timedOut bool
	)
	for attempts = 1; ; attempts++ {
		err, timedOut = s.attempt(ctx, qt, log)
		if err == nil || IsNoRetry(err) || attempts > qt.opt.RetryMax || ctx.Err() != nil {
			break
		}
		delay := retryDelay(qt.opt, attempts, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
		case <-t.C:
			continue
		}
		break
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.id, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	status := StatusOK
	if err != nil {
		item.Error = err.Error()
		status = StatusFailed
		if timedOut {
			status = StatusTimeout
		}
		log.Warn("task failed", logx.String("status", status), logx.Duration("dur", dur), logx.Int("attempts", attempts), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: TaskEvent{ID: qt.id, Name: qt.task.Name, Duration: dur, Attempts: attempts, Error: item.Error}})
	} else if dur >= time.Second {
		log.Info("task completed", logx.Duration("dur", dur))
	} else {
		log.Debug("task completed", logx.Duration("dur", dur))
	}
	s.record(item, status)
}

// attempt runs the task once under its timeout. A panic becomes an error.
func (s *Service) attempt(ctx context.Context, qt queuedTask, log logx.Logger) (err error, timedOut bool) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = NoRetry(fmt.Errorf("panic: %v", r))
			log.Error("task panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	err = qt.task.Run(runCtx)
	timedOut = err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	return err, timedOut
}

// retryDelay is base*2^(attempt-1) with ±20% jitter, or the error's
// RetryAfter hint, capped at RetryMaxDelay.
func retryDelay(opt TaskOptions, attempt int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	d := opt.RetryBase
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	if rng != nil && d > 0 {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*0.2))
	}
	return min(d, opt.RetryMaxDelay)
}

package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"herald/internal/eventbus"
	logx "herald/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2}, nil)
	state := &RunState{}
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	task := Task{Name: "evaluate.event_reminder", State: state, Run: func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}}

	if err := s.Enqueue(task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue err = %v, want ErrOverlapSkip", err)
	}
	// a different task is not blocked
	other := Task{Name: "queue.drain", State: &RunState{}, Run: func(context.Context) error { return nil }}
	if err := s.Enqueue(other); err != nil {
		t.Fatalf("Enqueue(other): %v", err)
	}
	close(release)

	waitFor(t, "first run to finish", func() bool { return !state.Running() })
	st, _ := s.Stats("evaluate.event_reminder")
	if st.Skips != 1 || st.Runs != 1 || st.LastStatus != StatusOK {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTimeoutCancelsRun(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, eventbus.TaskFailed)
	defer unsub()

	s := startEngine(t, Config{Workers: 1}, bus)
	err := s.Enqueue(Task{Name: "slow", Timeout: 20 * time.Millisecond, State: &RunState{}, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case e := <-failed:
		if e.Data.(TaskEvent).Name != "slow" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no task.failed event")
	}
	waitFor(t, "stats", func() bool {
		st, ok := s.Stats("slow")
		return ok && st.LastStatus == StatusTimeout
	})
}

func TestRetriesUntilSuccessButNotNoRetry(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1}, nil)
	var calls atomic.Int32
	opt := TaskOptions{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
	_ = s.Enqueue(Task{Name: "flaky", Opt: opt, Run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("store unavailable")
		}
		return nil
	}})
	waitFor(t, "flaky", func() bool { st, ok := s.Stats("flaky"); return ok && st.Runs == 1 })
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}

	var permanent atomic.Int32
	_ = s.Enqueue(Task{Name: "bad", Opt: opt, Run: func(context.Context) error {
		permanent.Add(1)
		return NoRetry(errors.New("unknown kind"))
	}})
	waitFor(t, "bad", func() bool { st, ok := s.Stats("bad"); return ok && st.Runs == 1 })
	if got := permanent.Load(); got != 1 {
		t.Fatalf("NoRetry task ran %d times, want 1", got)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1}, nil)
	state := &RunState{}
	_ = s.Enqueue(Task{Name: "boom", State: state, Run: func(context.Context) error { panic("bad") }})
	waitFor(t, "boom", func() bool { st, ok := s.Stats("boom"); return ok && st.Failures == 1 })
	if state.Running() {
		t.Fatalf("state still held after panic")
	}
	// the worker survived
	done := make(chan struct{})
	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error { close(done); return nil }})
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("worker did not survive panic")
	}
}

func TestEnqueueWhenStopped(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue err = %v, want ErrStopped", err)
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	opt := TaskOptions{RetryBase: time.Second, RetryMaxDelay: 5 * time.Second}
	if got := retryDelay(opt, 1, errors.New("x"), nil); got != time.Second {
		t.Fatalf("attempt 1 delay = %v", got)
	}
	if got := retryDelay(opt, 3, errors.New("x"), nil); got != 4*time.Second {
		t.Fatalf("attempt 3 delay = %v", got)
	}
	if got := retryDelay(opt, 10, errors.New("x"), nil); got != 5*time.Second {
		t.Fatalf("capped delay = %v", got)
	}
	if got := retryDelay(opt, 1, RetryAfter(errors.New("x"), 2*time.Second), nil); got != 2*time.Second {
		t.Fatalf("hinted delay = %v", got)
	}
}

func blockingTask(name string, started chan<- string, release <-chan struct{}) Task {
	return Task{Name: name, State: &RunState{}, Run: func(ctx context.Context) error {
		started <- name
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}
}

func TestDistinctTasksDoNotWaitForBusyWorkers(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, MaxWorkers: 1}, nil)
	names := []string{"retry.sweep", "queue.drain", "retention.cleanup", "evaluate.event_reminder", "evaluate.payment_due"}
	s.Reserve(len(names))

	started := make(chan string, len(names))
	release := make(chan struct{})
	defer close(release)
	for _, name := range names {
		if err := s.Enqueue(blockingTask(name, started, release)); err != nil {
			t.Fatalf("Enqueue(%s): %v", name, err)
		}
	}

	seen := map[string]bool{}
	timeout := time.After(3 * time.Second)
	for len(seen) < len(names) {
		select {
		case name := <-started:
			seen[name] = true
		case <-timeout:
			t.Fatalf("only %d of %d tasks started: %v", len(seen), len(names), seen)
		}
	}
	if snap := s.Snapshot(); snap.Workers < len(names) || snap.InFlight != len(names) {
		t.Fatalf("snapshot = workers %d in_flight %d", snap.Workers, snap.InFlight)
	}
}

func TestBurstWorkersRespectLimit(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, MaxWorkers: 2}, nil)
	started := make(chan string, 3)
	release := make(chan struct{})
	for _, name := range []string{"a", "b", "c"} {
		if err := s.Enqueue(blockingTask(name, started, release)); err != nil {
			t.Fatalf("Enqueue(%s): %v", name, err)
		}
	}
	<-started
	<-started
	select {
	case name := <-started:
		t.Fatalf("%s started beyond the worker limit", name)
	case <-time.After(50 * time.Millisecond):
	}
	if got := s.Snapshot().QueueLen; got != 1 {
		t.Fatalf("queue len = %d, want 1", got)
	}

	close(release)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("queued task never ran after workers freed up")
	}
}

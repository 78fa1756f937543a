package app

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"herald/internal/config"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := &config.Config{}
	if mutate != nil {
		mutate(cfg)
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	t.Cleanup(func() { _ = a.closeResources() })
	return a
}

func sortedNames(a *App) []string {
	names := a.sched.Names()
	slices.Sort(names)
	return names
}

func TestBuildRegistersTasks(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(nil))
	want := []string{
		"evaluate.event_reminder",
		"evaluate.payment_due",
		"evaluate.profile_incomplete",
		"evaluate.registration_deadline",
		"queue.drain",
		"retention.cleanup",
		"retry.sweep",
	}
	if got := sortedNames(a); !slices.Equal(got, want) {
		t.Fatalf("tasks = %v, want %v", got, want)
	}
}

func TestEveryTaskCanRunAtOnce(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(func(c *config.Config) {
		c.Scheduler.Workers = 1
		c.Scheduler.MaxWorkers = 1
	}))
	if got, want := a.engine.Snapshot().MaxWorkers, len(a.sched.Names()); got < want {
		t.Fatalf("engine max workers = %d, want >= %d registered tasks", got, want)
	}
}

func TestBuildHonoursDisabledTasksAndKinds(t *testing.T) {
	t.Parallel()

	off := false
	a := newTestApp(t, testConfig(func(c *config.Config) {
		c.Scheduler.Tasks = map[string]config.TaskConfig{"retention.cleanup": {Disabled: true}}
		c.Evaluator.Kinds = map[string]config.KindConfig{"profile_incomplete": {Enabled: &off}}
	}))
	names := sortedNames(a)
	for _, gone := range []string{"retention.cleanup", "evaluate.profile_incomplete"} {
		if slices.Contains(names, gone) {
			t.Fatalf("%s should not be registered: %v", gone, names)
		}
	}
	if !slices.Contains(names, "retry.sweep") {
		t.Fatalf("retry.sweep missing: %v", names)
	}
}

func TestBuildRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	_, err := NewFromConfig(testConfig(func(c *config.Config) {
		c.Scheduler.Tasks = map[string]config.TaskConfig{"queue.drain": {Schedule: "whenever"}}
	}))
	if err == nil {
		t.Fatalf("expected schedule error")
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(nil))
	a.log = logx.Nop()

	off := false
	next := testConfig(func(c *config.Config) {
		five := 5
		c.Retry.MaxRetries = &five
		c.Retry.BackoffBase = "1m"
		c.Evaluator.Kinds = map[string]config.KindConfig{"payment_due": {Enabled: &off}}
		c.Scheduler.Tasks = map[string]config.TaskConfig{"queue.drain": {Schedule: "every 10s"}}
	})
	a.applyConfig(context.Background(), next)

	if a.cfg != next {
		t.Fatalf("config not committed")
	}
	p := a.pipe.Policy()
	if p.MaxRetries != 5 || p.Base != time.Minute {
		t.Fatalf("policy = %+v", p)
	}
	names := sortedNames(a)
	if slices.Contains(names, "evaluate.payment_due") {
		t.Fatalf("disabled kind still scheduled: %v", names)
	}
	if !slices.Contains(names, "queue.drain") {
		t.Fatalf("queue.drain dropped: %v", names)
	}
	for _, r := range a.sched.Snapshot().Tasks {
		if r.Name == "queue.drain" && r.Spec != "@every 10s" {
			t.Fatalf("queue.drain spec = %q", r.Spec)
		}
	}
}

func TestApplyConfigNoChange(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(nil))
	prev := a.cfg
	a.applyConfig(context.Background(), testConfig(nil))
	if a.cfg != prev {
		t.Fatalf("identical config should not be committed")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(func(c *config.Config) { c.Scheduler.Enabled = true }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(ctx); err == nil {
		t.Fatalf("second Start should fail")
	}
	if !a.sched.Running() {
		t.Fatalf("scheduler not running")
	}
	if err := a.sched.RunNow("retry.sweep"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
	if a.sched.Running() {
		t.Fatalf("scheduler still running")
	}
}

func TestNewFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "storage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "herald.db") + "\nretention:\n  days: 3\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.closeResources()
	if a.cfgm == nil || a.cfg.Retention.Days != 3 {
		t.Fatalf("config not loaded: %+v", a.cfg.Retention)
	}
	if _, err := os.Stat(filepath.Join(dir, "herald.db")); err != nil {
		t.Fatalf("sqlite file not created: %v", err)
	}
}

func TestStorageConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      config.StorageConfig
		want    storage.Config
		wantErr bool
	}{
		{name: "default", in: config.StorageConfig{}, want: storage.Config{Driver: "memory"}},
		{name: "sqlite", in: config.StorageConfig{Driver: "SQLite", Path: "x.db"}, want: storage.Config{Driver: "sqlite", Path: "x.db", BusyTimeout: 5 * time.Second}},
		{name: "sqlite busy", in: config.StorageConfig{Driver: "sqlite3", Path: "x.db", BusyTimeout: "2s"}, want: storage.Config{Driver: "sqlite", Path: "x.db", BusyTimeout: 2 * time.Second}},
		{name: "sqlite no path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown", in: config.StorageConfig{Driver: "postgres"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := storageConfig(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("storageConfig: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestBuildChannels(t *testing.T) {
	t.Parallel()

	ch, err := buildChannels(config.ChannelsConfig{
		Email: config.EmailChannelConfig{Driver: "none"},
		SMS:   config.SMSChannelConfig{Driver: " LOG "},
	}, logx.Nop())
	if err != nil {
		t.Fatalf("buildChannels: %v", err)
	}
	if ch.set.Email != nil {
		t.Fatalf("email should be disabled")
	}
	if ch.set.Push == nil || ch.set.SMS == nil || ch.set.InApp == nil {
		t.Fatalf("missing channels: %+v", ch.set)
	}
	if ch.telegram != nil {
		t.Fatalf("telegram should not be built")
	}

	if _, err := buildChannels(config.ChannelsConfig{Push: config.PushChannelConfig{Driver: "pigeon"}}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

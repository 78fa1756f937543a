package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"herald/internal/notification"
	"herald/internal/notifier"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

var (
	sent = notifier.Result{
		Succeeded: []notification.Channel{notification.ChannelInApp},
		Outcomes:  []notification.Outcome{{Channel: notification.ChannelInApp, Attempted: true, Delivered: true}},
	}
	transient = notifier.Result{
		Failed:   map[notification.Channel]error{notification.ChannelInApp: errors.New("timeout")},
		Outcomes: []notification.Outcome{{Channel: notification.ChannelInApp, Attempted: true, Error: "timeout"}},
	}
	permanent = notifier.Result{
		Failed:   map[notification.Channel]error{notification.ChannelEmail: errors.New("bounced")},
		Outcomes: []notification.Outcome{{Channel: notification.ChannelEmail, Attempted: true, Error: "bounced", Permanent: true}},
	}
)

func TestDelayIsMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	p := Policy{Base: 5 * time.Minute, Max: time.Hour}
	want := []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 40 * time.Minute, time.Hour, time.Hour}
	prev := time.Duration(0)
	for n, w := range want {
		got := p.Delay(n)
		if got != w {
			t.Fatalf("Delay(%d) = %v, want %v", n, got, w)
		}
		if got < prev {
			t.Fatalf("Delay(%d) = %v < Delay(%d) = %v", n, got, n-1, prev)
		}
		prev = got
	}
	if got := (Policy{Base: time.Hour}).Delay(200); got != 24*time.Hour {
		t.Fatalf("uncapped Delay(200) = %v, want 24h default ceiling", got)
	}
}

func TestApplyRetryThenPermanent(t *testing.T) {
	t.Parallel()

	p := Policy{Base: 5 * time.Minute, MaxRetries: 2}
	rec := &notification.Record{ID: "r1", State: notification.StatePending}

	if err := p.Apply(rec, transient, now); err != nil {
		t.Fatalf("Apply #1: %v", err)
	}
	if rec.State != notification.StateRetryScheduled || rec.RetryCount != 1 || !rec.NextRetryAt.Equal(now.Add(5*time.Minute)) {
		t.Fatalf("after #1 = %+v", rec)
	}
	if err := p.Apply(rec, transient, now); err != nil {
		t.Fatalf("Apply #2: %v", err)
	}
	if rec.RetryCount != 2 || !rec.NextRetryAt.Equal(now.Add(10*time.Minute)) {
		t.Fatalf("after #2 = %+v", rec)
	}
	if err := p.Apply(rec, transient, now); err != nil {
		t.Fatalf("Apply #3: %v", err)
	}
	if rec.State != notification.StateFailedPermanent || rec.RetryCount != 2 || !rec.NextRetryAt.IsZero() {
		t.Fatalf("after #3 = %+v", rec)
	}
	if len(rec.Deliveries) != 3 {
		t.Fatalf("deliveries = %d, want 3", len(rec.Deliveries))
	}
}

func TestApplyPermanentOnlySkipsBudget(t *testing.T) {
	t.Parallel()

	rec := &notification.Record{ID: "r1", State: notification.StatePending}
	if err := (Policy{Base: time.Minute, MaxRetries: 3}).Apply(rec, permanent, now); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if rec.State != notification.StateFailedPermanent || rec.RetryCount != 0 || rec.LastError != "email: bounced" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestTerminalAbsorbs(t *testing.T) {
	t.Parallel()

	p := Policy{Base: time.Minute, MaxRetries: 3}
	for _, st := range []notification.State{notification.StateSent, notification.StateFailedPermanent, notification.StateCancelled} {
		rec := &notification.Record{ID: "r1", State: st}
		if err := p.Apply(rec, sent, now); !errors.Is(err, ErrTerminal) {
			t.Fatalf("Apply on %s err = %v", st, err)
		}
		if err := Cancel(rec, now); !errors.Is(err, ErrTerminal) {
			t.Fatalf("Cancel on %s err = %v", st, err)
		}
		if rec.State != st || len(rec.Deliveries) != 0 {
			t.Fatalf("record mutated: %+v", rec)
		}
	}

	rec := &notification.Record{ID: "r2", State: notification.StateRetryScheduled, NextRetryAt: now}
	if err := Cancel(rec, now); err != nil || rec.State != notification.StateCancelled || !rec.NextRetryAt.IsZero() {
		t.Fatalf("Cancel(retry_scheduled) = %v, %+v", err, rec)
	}
}

type recorder struct {
	ids  []string
	fail string
}

func (r *recorder) Redispatch(_ context.Context, rec *notification.Record, _ time.Time) error {
	if rec.ID == r.fail {
		return errors.New("store down")
	}
	r.ids = append(r.ids, rec.ID)
	return nil
}

func TestSweepDueAndStale(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	ctx := context.Background()
	add := func(id string, st notification.State, next, updated time.Time) {
		rec := &notification.Record{ID: id, Recipient: id, Kind: notification.KindPaymentDue, State: st, NextRetryAt: next, UpdatedAt: updated, CreatedAt: updated}
		if err := store.CreateRecord(ctx, rec); err != nil {
			t.Fatalf("CreateRecord: %v", err)
		}
	}
	add("due", notification.StateRetryScheduled, now.Add(-time.Minute), now.Add(-time.Hour))
	add("later", notification.StateRetryScheduled, now.Add(time.Minute), now.Add(-time.Hour))
	add("stale", notification.StatePending, time.Time{}, now.Add(-20*time.Minute))
	add("fresh", notification.StatePending, time.Time{}, now.Add(-time.Minute))
	add("broken", notification.StateRetryScheduled, now.Add(-2*time.Minute), now.Add(-time.Hour))

	r := &recorder{fail: "broken"}
	s := NewSweeper(store, r, SweepConfig{BatchSize: 10, StaleAfter: 15 * time.Minute}, logx.Nop())
	rep, err := s.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Due != 2 || rep.Stale != 1 || rep.Redispatched != 2 || rep.Errors != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(r.ids) != 2 || r.ids[0] != "due" || r.ids[1] != "stale" {
		t.Fatalf("redispatched = %v", r.ids)
	}
}

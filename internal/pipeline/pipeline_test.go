package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"herald/internal/config"
	"herald/internal/dedup"
	"herald/internal/entity"
	"herald/internal/eventbus"
	"herald/internal/evaluator"
	"herald/internal/notification"
	"herald/internal/notifier"
	"herald/internal/retry"
	"herald/internal/storage"
	"herald/internal/transport"
	"herald/internal/waitlist"
	logx "herald/pkg/logx"
)

// eventStart is T in the scenarios below.
var eventStart = time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC)

type harness struct {
	p     *Pipeline
	store storage.Store
	ents  *entity.Memory
	tr    *transport.Memory
	bus   eventbus.Bus
}

func newHarness(t *testing.T, fx entity.Fixtures) *harness {
	t.Helper()
	var cfg config.Config
	config.ApplyDefaults(&cfg)
	rules, err := evaluator.RulesFromConfig(cfg.Evaluator)
	if err != nil {
		t.Fatalf("RulesFromConfig: %v", err)
	}
	policy, err := retry.PolicyFrom(cfg.Retry)
	if err != nil {
		t.Fatalf("PolicyFrom: %v", err)
	}

	ents := entity.NewMemory()
	ents.Seed(fx)
	store := storage.NewMemory()
	tr := transport.NewMemory()
	bus := eventbus.New()
	p := New(Config{MaxInFlight: 4, RetentionDays: cfg.Retention.Days}, policy, Deps{
		Evaluator:  evaluator.New(ents, rules, logx.Nop()),
		Guard:      dedup.New(store, nil, time.Minute, logx.Nop()),
		Dispatcher: notifier.New(notifier.Config{}, ents, tr.Set(), logx.Nop()),
		Store:      store,
		Bus:        bus,
	}, logx.Nop())
	return &harness{p: p, store: store, ents: ents, tr: tr, bus: bus}
}

func meetup() entity.Fixtures {
	return entity.Fixtures{
		Users:         []entity.User{{ID: "u1", Name: "Ada", Email: "ada@example.com", EmailOptIn: true}},
		Events:        []entity.Event{{ID: "ev1", Title: "Go Meetup", StartsAt: eventStart, Capacity: 10, Committed: 1}},
		Registrations: []entity.Registration{{ID: "r1", EventID: "ev1", UserID: "u1", Status: entity.RegistrationApproved}},
	}
}

func (h *harness) records(t *testing.T) []*notification.Record {
	t.Helper()
	recs, err := h.store.ListRecords(context.Background(), storage.RecordFilter{})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	return recs
}

func TestReminderSentInOffsetWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, meetup())
	sent, unsub := h.bus.Subscribe(4, eventbus.RecordSent)
	defer unsub()

	now := eventStart.Add(-2*time.Hour + 5*time.Minute)
	rep, err := h.p.RunKind(context.Background(), notification.KindEventReminder, now)
	if err != nil {
		t.Fatalf("RunKind: %v", err)
	}
	if rep.Candidates != 1 || rep.Created != 1 || rep.Sent != 1 {
		t.Fatalf("report = %+v", rep)
	}
	recs := h.records(t)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	r := recs[0]
	if r.State != notification.StateSent || r.Priority != notification.PriorityHigh || r.OccurrenceKey != "2hours" {
		t.Fatalf("record = %+v", r)
	}
	if !strings.HasPrefix(r.Title, "Reminder: ") || len(r.Deliveries) != 2 {
		t.Fatalf("record = %+v", r)
	}
	select {
	case e := <-sent:
		if e.Data.(RecordEvent).ID != r.ID {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatalf("no record.sent event")
	}
}

func TestRetryThenPermanentFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, meetup())
	h.tr.SetFail(func(notification.Channel, string) error { return errors.New("provider down") })
	ctx := context.Background()

	now := eventStart.Add(-2*time.Hour + 5*time.Minute)
	if _, err := h.p.RunKind(ctx, notification.KindEventReminder, now); err != nil {
		t.Fatalf("RunKind: %v", err)
	}
	r := h.records(t)[0]
	if r.State != notification.StateRetryScheduled || r.RetryCount != 1 || !r.NextRetryAt.Equal(now.Add(5*time.Minute)) {
		t.Fatalf("after first attempt = %+v", r)
	}

	sweeper := retry.NewSweeper(h.store, h.p, retry.SweepConfig{BatchSize: 10}, logx.Nop())
	for i := 2; i <= 4; i++ {
		now = r.NextRetryAt
		rep, err := sweeper.Sweep(ctx, now)
		if err != nil || rep.Redispatched != 1 {
			t.Fatalf("sweep #%d = %+v, %v", i, rep, err)
		}
		r, _ = h.store.GetRecord(ctx, r.ID)
		if i < 4 && (r.State != notification.StateRetryScheduled || r.RetryCount != i) {
			t.Fatalf("after attempt %d = %+v", i, r)
		}
	}
	if r.State != notification.StateFailedPermanent || r.RetryCount != 3 {
		t.Fatalf("after 4th attempt = %+v", r)
	}
	if got := len(h.records(t)); got != 1 {
		t.Fatalf("records = %d, want 1 (retries reuse the record)", got)
	}
	// terminal: nothing left to sweep
	if rep, _ := sweeper.Sweep(ctx, now.Add(48*time.Hour)); rep.Due != 0 {
		t.Fatalf("failed_permanent record swept again")
	}
}

func TestFreedSlotPromotesEarliestEntry(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	fx := entity.Fixtures{
		Users:         []entity.User{{ID: "u1"}, {ID: "w1"}, {ID: "w2"}, {ID: "w3"}},
		Events:        []entity.Event{{ID: "ev1", Title: "Go Meetup", StartsAt: eventStart, Capacity: 10, Committed: 10}},
		Registrations: []entity.Registration{{ID: "r1", EventID: "ev1", UserID: "u1", Status: entity.RegistrationApproved}},
		Waitlist: []notification.WaitlistEntry{
			{ID: "e3", ParentID: "ev1", Recipient: "w3", JoinedAt: t1.Add(2 * time.Minute), AutoPromote: true},
			{ID: "e1", ParentID: "ev1", Recipient: "w1", JoinedAt: t1, AutoPromote: true},
			{ID: "e2", ParentID: "ev1", Recipient: "w2", JoinedAt: t1.Add(time.Minute), AutoPromote: true},
		},
	}
	h := newHarness(t, fx)
	promoter := waitlist.New(h.ents, h.p, h.bus, logx.Nop())
	var (
		mu       sync.Mutex
		promoted []waitlist.Promotion
	)
	h.ents.SetHooks(entity.Hooks{SlotFreed: func(ctx context.Context, parent string) {
		got, err := promoter.Promote(ctx, parent)
		if err != nil {
			t.Errorf("Promote: %v", err)
		}
		mu.Lock()
		promoted = append(promoted, got...)
		mu.Unlock()
	}})

	err := h.ents.MutateRegistration(context.Background(), "r1", entity.Patch{ExpectStatus: entity.RegistrationApproved, Status: entity.RegistrationCancelled})
	if err != nil {
		t.Fatalf("MutateRegistration: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(promoted) != 1 || promoted[0].Entry.ID != "e1" || !promoted[0].Notified {
		t.Fatalf("promoted = %+v", promoted)
	}
	recs := h.records(t)
	if len(recs) != 1 || recs[0].Kind != notification.KindWaitlistPromoted || recs[0].Recipient != "w1" || recs[0].OccurrenceKey != "e1" {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].State != notification.StateSent || recs[0].Priority != notification.PriorityHigh {
		t.Fatalf("promotion record = %+v", recs[0])
	}
}

func TestOverlappingTicksCreateOneRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, meetup())
	now := eventStart.Add(-2*time.Hour - 5*time.Minute)
	first, err := h.p.RunKind(context.Background(), notification.KindEventReminder, now)
	if err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	second, err := h.p.RunKind(context.Background(), notification.KindEventReminder, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if first.Created != 1 || second.Candidates != 1 || second.Created != 0 || second.Skipped != 1 {
		t.Fatalf("reports = %+v / %+v", first, second)
	}
	if got := len(h.records(t)); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
	if got := h.tr.Count(notification.ChannelInApp); got != 1 {
		t.Fatalf("in-app sends = %d, want 1", got)
	}
}

func TestConcurrentTicksCreateOneRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, meetup())
	now := eventStart.Add(-24 * time.Hour)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.p.RunKind(context.Background(), notification.KindEventReminder, now); err != nil {
				t.Errorf("RunKind: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := len(h.records(t)); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
}

func TestNotifyAndCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, meetup())
	h.tr.SetFail(func(notification.Channel, string) error { return errors.New("down") })
	ctx := context.Background()
	req := Request{Recipient: "u1", RelatedEntity: "ev1", Kind: notification.KindPaymentDue, OccurrenceKey: "invoice-7", Priority: notification.PriorityMedium}

	rec, err := h.p.Notify(ctx, req)
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if rec.State != notification.StateRetryScheduled {
		t.Fatalf("record = %+v", rec)
	}
	again, err := h.p.Notify(ctx, req)
	if !errors.Is(err, ErrAlreadyHandled) || again == nil || again.ID != rec.ID {
		t.Fatalf("second Notify = %+v, %v", again, err)
	}
	if _, err := h.p.Notify(ctx, Request{Kind: notification.KindPaymentDue}); err == nil {
		t.Fatalf("Notify without recipient err = nil")
	}

	got, err := h.p.Cancel(ctx, rec.ID)
	if err != nil || got.State != notification.StateCancelled {
		t.Fatalf("Cancel = %+v, %v", got, err)
	}
	if _, err := h.p.Cancel(ctx, rec.ID); !errors.Is(err, retry.ErrTerminal) {
		t.Fatalf("second Cancel err = %v, want ErrTerminal", err)
	}
	if _, err := h.p.Cancel(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Cancel(missing) err = %v", err)
	}
}

func TestCancelRelated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, meetup())
	h.tr.SetFail(func(notification.Channel, string) error { return errors.New("down") })
	ctx := context.Background()
	for _, occ := range []string{"a", "b"} {
		if _, err := h.p.Notify(ctx, Request{Recipient: "u1", RelatedEntity: "ev1", Kind: notification.KindEventReminder, OccurrenceKey: occ}); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	n, err := h.p.CancelRelated(ctx, "ev1")
	if err != nil || n != 2 {
		t.Fatalf("CancelRelated = %d, %v", n, err)
	}
	for _, r := range h.records(t) {
		if r.State != notification.StateCancelled {
			t.Fatalf("record %s state = %s", r.ID, r.State)
		}
	}
}

func TestCleanupRemovesOldTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, meetup())
	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.p.SetClock(func() time.Time { return old })
	if _, err := h.p.Notify(ctx, Request{Recipient: "u1", Kind: notification.KindProfileIncomplete, OccurrenceKey: "2026-01-01"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	rep, err := h.p.Cleanup(ctx, old.Add(29*24*time.Hour))
	if err != nil || rep.Records != 0 {
		t.Fatalf("early cleanup = %+v, %v", rep, err)
	}
	rep, err = h.p.Cleanup(ctx, old.Add(31*24*time.Hour))
	if err != nil || rep.Records != 1 {
		t.Fatalf("cleanup = %+v, %v", rep, err)
	}
}

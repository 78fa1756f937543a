package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"herald/internal/config"
	"herald/internal/entity"
	"herald/internal/notification"
	logx "herald/pkg/logx"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func defaultRules(t *testing.T) []Rule {
	t.Helper()
	var cfg config.Config
	config.ApplyDefaults(&cfg)
	rules, err := RulesFromConfig(cfg.Evaluator)
	if err != nil {
		t.Fatalf("RulesFromConfig: %v", err)
	}
	return rules
}

func seeded(startsAt time.Time) *entity.Memory {
	m := entity.NewMemory()
	m.Seed(entity.Fixtures{
		Users:         []entity.User{{ID: "u1", Name: "Ada"}},
		Events:        []entity.Event{{ID: "ev1", Title: "Go Meetup", StartsAt: startsAt, Capacity: 10}},
		Registrations: []entity.Registration{{ID: "r1", EventID: "ev1", UserID: "u1", Status: entity.RegistrationApproved}},
	})
	return m
}

func TestEvaluateStampsOffset(t *testing.T) {
	t.Parallel()

	ev := New(seeded(now.Add(2*time.Hour+3*time.Minute)), defaultRules(t), logx.Nop())
	got, err := ev.Evaluate(context.Background(), notification.KindEventReminder, now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("candidates = %d, want 1", len(got))
	}
	c := got[0]
	if c.OccurrenceKey != "2hours" || c.Offset != 2*time.Hour || c.RelatedEntity != "ev1" {
		t.Fatalf("candidate = %+v", c)
	}
	if d, _ := c.Data["offset"].(time.Duration); d != 2*time.Hour {
		t.Fatalf("data offset = %v, want 2h", c.Data["offset"])
	}
	if k := c.Key(); k.Kind != notification.KindEventReminder || k.Recipient != "u1" {
		t.Fatalf("key = %+v", k)
	}
}

func TestEvaluateWindowEdges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		start time.Time
		want  int
	}{
		{"lower edge", now.Add(30*time.Minute - 10*time.Minute), 1},
		{"upper edge", now.Add(24*time.Hour + 10*time.Minute), 1},
		{"just outside", now.Add(2*time.Hour + 11*time.Minute), 0},
		{"between offsets", now.Add(5 * time.Hour), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := New(seeded(tt.start), defaultRules(t), logx.Nop())
			got, err := ev.Evaluate(context.Background(), notification.KindEventReminder, now)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("candidates = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestEvaluateProfileNudgeUsesStoreKey(t *testing.T) {
	t.Parallel()

	m := entity.NewMemory()
	m.Seed(entity.Fixtures{Users: []entity.User{{ID: "u2", Name: "Lin", NudgeAt: now.Add(4 * time.Minute)}}})
	ev := New(m, defaultRules(t), logx.Nop())
	got, err := ev.Evaluate(context.Background(), notification.KindProfileIncomplete, now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(got) != 1 || got[0].OccurrenceKey != "2026-05-04" {
		t.Fatalf("candidates = %+v", got)
	}
}

type failingStore struct{ entity.Store }

func (failingStore) FindCandidates(context.Context, notification.Kind, entity.Window, entity.Filters) ([]entity.Candidate, error) {
	return nil, errors.New("connection reset")
}

func TestEvaluateStoreErrorAbortsKind(t *testing.T) {
	t.Parallel()

	ev := New(failingStore{}, defaultRules(t), logx.Nop())
	got, err := ev.Evaluate(context.Background(), notification.KindPaymentDue, now)
	if err == nil || got != nil {
		t.Fatalf("Evaluate = %v, %v; want nil, error", got, err)
	}
	if _, err := ev.Evaluate(context.Background(), "nope", now); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind err = %v", err)
	}
}

func TestRulesFromConfig(t *testing.T) {
	t.Parallel()

	off := false
	var cfg config.Config
	cfg.Evaluator.Kinds = map[string]config.KindConfig{
		"payment_due":    {Enabled: &off},
		"event_reminder": {Offsets: []string{"soon=45m"}, Priority: "urgent"},
	}
	config.ApplyDefaults(&cfg)
	rules, err := RulesFromConfig(cfg.Evaluator)
	if err != nil {
		t.Fatalf("RulesFromConfig: %v", err)
	}
	byKind := map[notification.Kind]Rule{}
	for _, r := range rules {
		byKind[r.Kind] = r
	}
	if _, ok := byKind[notification.KindPaymentDue]; ok {
		t.Fatalf("disabled kind has a rule")
	}
	r := byKind[notification.KindEventReminder]
	if len(r.Offsets) != 1 || r.Offsets[0] != (Offset{Label: "soon", Before: 45 * time.Minute}) {
		t.Fatalf("offsets = %+v", r.Offsets)
	}
	if r.Priority != notification.PriorityUrgent || r.Tolerance != 10*time.Minute {
		t.Fatalf("rule = %+v", r)
	}
	if got := len(byKind[notification.KindRegistrationDeadline].Offsets); got != 3 {
		t.Fatalf("registration_deadline offsets = %d, want 3", got)
	}
}

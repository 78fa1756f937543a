package entity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"herald/internal/notification"
)

const fixturesYAML = `
users:
  - id: u1
    name: Ada
    email: ada@example.com
    email_opt_in: true
  - id: u2
    name: Lin
    profile_complete: false
    nudge_at: 2026-05-04T10:00:00Z
events:
  - id: ev1
    title: Go Meetup
    starts_at: 2026-05-04T12:00:00Z
    registration_deadline: 2026-05-03T12:00:00Z
    capacity: 2
    committed: 1
  - id: ev2
    title: Draft
    status: draft
    starts_at: 2026-05-04T12:00:00Z
registrations:
  - id: r1
    event_id: ev1
    user_id: u1
    status: approved
  - id: r2
    event_id: ev2
    user_id: u1
    status: approved
waitlist:
  - parent_id: ev1
    recipient: u2
    joined_at: 2026-05-01T09:00:00Z
    auto_promote: true
`

func loadTestStore(t *testing.T) *Memory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	if err := os.WriteFile(path, []byte(fixturesYAML), 0o600); err != nil {
		t.Fatalf("write fixtures: %v", err)
	}
	m, err := LoadFixtures(path)
	if err != nil {
		t.Fatalf("LoadFixtures: %v", err)
	}
	return m
}

func TestFindCandidatesEventReminder(t *testing.T) {
	t.Parallel()
	m := loadTestStore(t)

	start := time.Date(2026, 5, 4, 11, 50, 0, 0, time.UTC)
	got, err := m.FindCandidates(context.Background(), notification.KindEventReminder, Window{Start: start, End: start.Add(20 * time.Minute)}, Filters{})
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	// ev2 is a draft and filtered out by the default published filter.
	if len(got) != 1 {
		t.Fatalf("candidates = %d, want 1", len(got))
	}
	if got[0].Recipient != "u1" || got[0].RelatedEntity != "ev1" {
		t.Fatalf("candidate = %+v", got[0])
	}
	if got[0].Data["event_title"] != "Go Meetup" {
		t.Fatalf("event_title = %v", got[0].Data["event_title"])
	}

	got, err = m.FindCandidates(context.Background(), notification.KindEventReminder, Window{Start: start, End: start.Add(20 * time.Minute)}, Filters{EntityStatuses: []string{"published", "draft"}})
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates with draft filter = %d, want 2", len(got))
	}
}

func TestFindCandidatesProfileNudge(t *testing.T) {
	t.Parallel()
	m := loadTestStore(t)

	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	got, err := m.FindCandidates(context.Background(), notification.KindProfileIncomplete, Window{Start: at.Add(-10 * time.Minute), End: at.Add(10 * time.Minute)}, Filters{})
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(got) != 1 || got[0].Recipient != "u2" || got[0].OccurrenceKey != "2026-05-04" {
		t.Fatalf("candidates = %+v", got)
	}
}

func TestFindCandidatesUnknownKind(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	if _, err := m.FindCandidates(context.Background(), "nope", Window{}, Filters{}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestCancellationFiresSlotFreed(t *testing.T) {
	t.Parallel()
	m := loadTestStore(t)

	var freed []string
	m.SetHooks(Hooks{SlotFreed: func(_ context.Context, parentID string) { freed = append(freed, parentID) }})

	if err := m.MutateRegistration(context.Background(), "r1", Patch{ExpectStatus: RegistrationApproved, Status: RegistrationCancelled}); err != nil {
		t.Fatalf("MutateRegistration: %v", err)
	}
	if len(freed) != 1 || freed[0] != "ev1" {
		t.Fatalf("freed = %v, want [ev1]", freed)
	}
	c, _ := m.GetCapacity(context.Background(), "ev1")
	if c.Committed != 0 {
		t.Fatalf("committed = %d, want 0", c.Committed)
	}

	err := m.MutateRegistration(context.Background(), "r1", Patch{ExpectStatus: RegistrationApproved, Status: RegistrationCancelled})
	if !errors.Is(err, ErrCapacityConflict) {
		t.Fatalf("stale patch err = %v, want ErrCapacityConflict", err)
	}
}

func TestPromoteEntryRespectsCapacity(t *testing.T) {
	t.Parallel()
	m := loadTestStore(t)
	ctx := context.Background()

	entries, _ := m.WaitlistEntries(ctx, "ev1")
	if len(entries) != 1 || entries[0].Position != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	if err := m.PromoteEntry(ctx, "ev1", entries[0].ID); err != nil {
		t.Fatalf("PromoteEntry: %v", err)
	}
	if err := m.PromoteEntry(ctx, "ev1", entries[0].ID); !errors.Is(err, ErrCapacityConflict) {
		t.Fatalf("second promote err = %v, want ErrCapacityConflict", err)
	}
	c, _ := m.GetCapacity(ctx, "ev1")
	if c.Committed != 2 || c.Available() != 0 {
		t.Fatalf("capacity = %+v", c)
	}

	late := m.JoinWaitlist("ev1", "u1", true, time.Time{})
	if err := m.PromoteEntry(ctx, "ev1", late.ID); !errors.Is(err, ErrCapacityConflict) {
		t.Fatalf("promote over capacity err = %v, want ErrCapacityConflict", err)
	}
}

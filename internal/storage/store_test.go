package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "herald/pkg/logx"

	"herald/internal/notification"
)

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	lite, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "herald.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = mem.Close()
		_ = lite.Close()
	})
	return map[string]Store{"memory": mem, "sqlite": lite}
}

func newRecord(id, recipient, occ string) *notification.Record {
	return &notification.Record{
		ID:            id,
		Recipient:     recipient,
		RelatedEntity: "ev-1",
		Kind:          notification.KindEventReminder,
		OccurrenceKey: occ,
		Title:         "t",
		Message:       "m",
		Data:          map[string]any{"event": "ev-1"},
		Priority:      notification.PriorityHigh,
		State:         notification.StatePending,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
}

func TestRecordKeyUniqueness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			if err := st.CreateRecord(ctx, newRecord("r1", "u1", "1day")); err != nil {
				t.Fatalf("CreateRecord: %v", err)
			}
			err := st.CreateRecord(ctx, newRecord("r2", "u1", "1day"))
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("duplicate key err = %v, want ErrConflict", err)
			}
			if err := st.CreateRecord(ctx, newRecord("r3", "u1", "2hours")); err != nil {
				t.Fatalf("distinct occurrence: %v", err)
			}

			// No related entity still participates in the unique key.
			a := newRecord("r4", "u2", "")
			a.RelatedEntity = ""
			b := newRecord("r5", "u2", "")
			b.RelatedEntity = ""
			if err := st.CreateRecord(ctx, a); err != nil {
				t.Fatalf("CreateRecord: %v", err)
			}
			if err := st.CreateRecord(ctx, b); !errors.Is(err, ErrConflict) {
				t.Fatalf("duplicate empty-entity key err = %v, want ErrConflict", err)
			}

			got, err := st.FindRecord(ctx, notification.Key{Recipient: "u1", RelatedEntity: "ev-1", Kind: notification.KindEventReminder, OccurrenceKey: "1day"})
			if err != nil {
				t.Fatalf("FindRecord: %v", err)
			}
			if got.ID != "r1" {
				t.Fatalf("FindRecord id = %s, want r1", got.ID)
			}
			if got.Data["event"] != "ev-1" {
				t.Fatalf("data = %v, want event=ev-1", got.Data)
			}
		})
	}
}

func TestUpdateRecordRefusesTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			r := newRecord("r1", "u1", "1day")
			if err := st.CreateRecord(ctx, r); err != nil {
				t.Fatalf("CreateRecord: %v", err)
			}
			r.State = notification.StateSent
			r.Deliveries = []notification.Outcome{{Channel: notification.ChannelInApp, Attempted: true, Delivered: true, At: base}}
			r.UpdatedAt = base.Add(time.Minute)
			if err := st.UpdateRecord(ctx, r); err != nil {
				t.Fatalf("UpdateRecord: %v", err)
			}

			r.State = notification.StateRetryScheduled
			if err := st.UpdateRecord(ctx, r); !errors.Is(err, ErrConflict) {
				t.Fatalf("update terminal err = %v, want ErrConflict", err)
			}
			got, err := st.GetRecord(ctx, "r1")
			if err != nil {
				t.Fatalf("GetRecord: %v", err)
			}
			if got.State != notification.StateSent {
				t.Fatalf("state = %s, want sent", got.State)
			}
			if len(got.Deliveries) != 1 || !got.Deliveries[0].Delivered {
				t.Fatalf("deliveries = %+v, want one delivered outcome", got.Deliveries)
			}

			missing := newRecord("nope", "u9", "x")
			if err := st.UpdateRecord(ctx, missing); !errors.Is(err, ErrNotFound) {
				t.Fatalf("update missing err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestDueRetriesAndStalePending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			due := newRecord("due", "u1", "a")
			due.State = notification.StateRetryScheduled
			due.NextRetryAt = base.Add(-time.Minute)
			later := newRecord("later", "u1", "b")
			later.State = notification.StateRetryScheduled
			later.NextRetryAt = base.Add(time.Minute)
			stale := newRecord("stale", "u1", "c")
			stale.UpdatedAt = base.Add(-time.Hour)
			for _, r := range []*notification.Record{due, later, stale} {
				if err := st.CreateRecord(ctx, r); err != nil {
					t.Fatalf("CreateRecord(%s): %v", r.ID, err)
				}
			}

			got, err := st.DueRetries(ctx, base, 10)
			if err != nil {
				t.Fatalf("DueRetries: %v", err)
			}
			if len(got) != 1 || got[0].ID != "due" {
				t.Fatalf("DueRetries = %v, want [due]", ids(got))
			}

			got, err = st.StalePending(ctx, base.Add(-30*time.Minute), 10)
			if err != nil {
				t.Fatalf("StalePending: %v", err)
			}
			if len(got) != 1 || got[0].ID != "stale" {
				t.Fatalf("StalePending = %v, want [stale]", ids(got))
			}
		})
	}
}

func TestDeleteTerminalRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			old := newRecord("old", "u1", "a")
			old.State = notification.StateFailedPermanent
			old.UpdatedAt = base.Add(-40 * 24 * time.Hour)
			fresh := newRecord("fresh", "u1", "b")
			fresh.State = notification.StateSent
			oldPending := newRecord("old-pending", "u1", "c")
			oldPending.UpdatedAt = base.Add(-40 * 24 * time.Hour)
			for _, r := range []*notification.Record{old, fresh, oldPending} {
				if err := st.CreateRecord(ctx, r); err != nil {
					t.Fatalf("CreateRecord(%s): %v", r.ID, err)
				}
			}
			n, err := st.DeleteTerminalRecords(ctx, base.Add(-30*24*time.Hour))
			if err != nil {
				t.Fatalf("DeleteTerminalRecords: %v", err)
			}
			if n != 1 {
				t.Fatalf("deleted = %d, want 1", n)
			}
			if _, err := st.GetRecord(ctx, "old"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("old record err = %v, want ErrNotFound", err)
			}
			if _, err := st.GetRecord(ctx, "old-pending"); err != nil {
				t.Fatalf("non-terminal record deleted: %v", err)
			}
		})
	}
}

func TestDueMessagesOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			msgs := []*notification.OutboundMessage{
				{ID: "low-early", Priority: 1, CreatedAt: base.Add(-3 * time.Minute), ScheduledFor: base.Add(-time.Minute)},
				{ID: "high-late", Priority: 5, CreatedAt: base.Add(-time.Minute), ScheduledFor: base},
				{ID: "high-early", Priority: 5, CreatedAt: base.Add(-2 * time.Minute), ScheduledFor: base.Add(-time.Minute)},
				{ID: "future", Priority: 9, CreatedAt: base.Add(-5 * time.Minute), ScheduledFor: base.Add(time.Second)},
				{ID: "done", Priority: 9, CreatedAt: base.Add(-5 * time.Minute), ScheduledFor: base.Add(-time.Hour), State: notification.MessageSent},
			}
			for _, m := range msgs {
				m.Channel = notification.ChannelEmail
				m.Recipient = "a@example.com"
				m.Body = "b"
				if m.State == "" {
					m.State = notification.MessagePending
				}
				m.UpdatedAt = m.CreatedAt
				if err := st.InsertMessage(ctx, m); err != nil {
					t.Fatalf("InsertMessage(%s): %v", m.ID, err)
				}
			}

			got, err := st.DueMessages(ctx, base, 10)
			if err != nil {
				t.Fatalf("DueMessages: %v", err)
			}
			want := []string{"high-early", "high-late", "low-early"}
			if len(got) != len(want) {
				t.Fatalf("DueMessages = %v, want %v", msgIDs(got), want)
			}
			for i := range want {
				if got[i].ID != want[i] {
					t.Fatalf("DueMessages = %v, want %v", msgIDs(got), want)
				}
			}

			got, err = st.DueMessages(ctx, base, 2)
			if err != nil {
				t.Fatalf("DueMessages: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("limited DueMessages len = %d, want 2", len(got))
			}
		})
	}
}

func ids(rs []*notification.Record) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func msgIDs(ms []*notification.OutboundMessage) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

package notification

import (
	"testing"
	"time"
)

func TestTerminalStatesAbsorb(t *testing.T) {
	t.Parallel()

	for _, from := range allStates {
		if !from.Terminal() {
			continue
		}
		for _, to := range allStates {
			if CanTransition(from, to) {
				t.Fatalf("CanTransition(%s, %s) = true, want false for terminal state", from, to)
			}
		}
	}
}

func TestCancelReachableFromNonTerminal(t *testing.T) {
	t.Parallel()

	for _, from := range allStates {
		if from.Terminal() {
			continue
		}
		if !CanTransition(from, StateCancelled) {
			t.Fatalf("CanTransition(%s, cancelled) = false, want true", from)
		}
	}
}

func TestHandledStates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    State
		want bool
	}{
		{StatePending, false},
		{StateSent, true},
		{StateRetryScheduled, true},
		{StateFailedPermanent, false},
		{StateCancelled, false},
	}
	for _, tt := range tests {
		if got := tt.s.Handled(); got != tt.want {
			t.Fatalf("%s.Handled() = %v, want %v", tt.s, got, tt.want)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()

	if !PriorityUrgent.AtLeast(PriorityHigh) {
		t.Fatalf("urgent should be at least high")
	}
	if PriorityMedium.AtLeast(PriorityHigh) {
		t.Fatalf("medium should not be at least high")
	}
	if _, err := ParsePriority("HIGH"); err != nil {
		t.Fatalf("ParsePriority(HIGH) err = %v", err)
	}
	if _, err := ParsePriority("critical"); err == nil {
		t.Fatalf("ParsePriority(critical) err = nil, want error")
	}
}

func TestWaitlistEligible(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		e    WaitlistEntry
		want bool
	}{
		{"auto no expiry", WaitlistEntry{AutoPromote: true}, true},
		{"manual", WaitlistEntry{AutoPromote: false}, false},
		{"expired", WaitlistEntry{AutoPromote: true, ExpiresAt: now.Add(-time.Minute)}, false},
		{"expires later", WaitlistEntry{AutoPromote: true, ExpiresAt: now.Add(time.Hour)}, true},
		{"already confirmed", WaitlistEntry{AutoPromote: true, Status: WaitlistConfirmed}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.e.Eligible(now); got != tt.want {
				t.Fatalf("Eligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordCloneIsDeep(t *testing.T) {
	t.Parallel()

	r := &Record{ID: "a", Data: map[string]any{"x": 1}, Deliveries: []Outcome{{Channel: ChannelEmail}}}
	cp := r.Clone()
	cp.Data["x"] = 2
	cp.Deliveries[0].Channel = ChannelSMS
	if r.Data["x"] != 1 {
		t.Fatalf("original data mutated: %v", r.Data["x"])
	}
	if r.Deliveries[0].Channel != ChannelEmail {
		t.Fatalf("original deliveries mutated: %v", r.Deliveries[0].Channel)
	}
}

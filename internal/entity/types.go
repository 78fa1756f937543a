// Package entity defines the engine's view of the external entity store
// (events, users, registrations) and ships an in-memory implementation.
package entity

import (
	"context"
	"errors"
	"time"

	"herald/internal/notification"
)

var (
	ErrNotFound = errors.New("entity: not found")
	// ErrCapacityConflict is the optimistic-concurrency failure of a
	// registration mutation (slot already taken, entry already moved).
	ErrCapacityConflict = errors.New("entity: capacity conflict")
	ErrUnknownKind      = errors.New("entity: unknown notification kind")
)

// Window is an inclusive time range over a candidate's target timestamp.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Filters restrict candidate queries by entity status.
type Filters struct {
	// EntityStatuses filters the related entity (e.g. only "published" events).
	EntityStatuses []string
	// RegistrationStatuses filters registrations (e.g. only "approved").
	RegistrationStatuses []string
}

// Candidate is one recipient that needs a notification during a tick.
type Candidate struct {
	Recipient     string
	RelatedEntity string
	// OccurrenceKey may be set by the store for kinds without offsets.
	OccurrenceKey string
	// Target is the timestamp the window was evaluated against.
	Target time.Time
	Data   map[string]any
}

type Capacity struct {
	Capacity  int
	Committed int
}

func (c Capacity) Available() int {
	return max(0, c.Capacity-c.Committed)
}

// Patch is an optimistic registration mutation: it applies only while the
// registration is still in ExpectStatus.
type Patch struct {
	ExpectStatus string
	Status       string
}

// Preferences are a recipient's channel settings and addresses.
type Preferences struct {
	UserID     string
	Email      string
	Phone      string
	PushTokens []string
	EmailOptIn bool
	PushOptIn  bool
	SMSOptIn   bool
}

// Store is the entity store API the engine consumes.
type Store interface {
	FindCandidates(ctx context.Context, kind notification.Kind, w Window, f Filters) ([]Candidate, error)
	GetCapacity(ctx context.Context, entityID string) (Capacity, error)
	MutateRegistration(ctx context.Context, id string, p Patch) error
	WaitlistEntries(ctx context.Context, parentID string) ([]notification.WaitlistEntry, error)
	// PromoteEntry confirms a waitlist entry and increments committed in one
	// mutation. ErrCapacityConflict if no slot is left or the entry moved.
	PromoteEntry(ctx context.Context, parentID, entryID string) error
	GetRecipientPreferences(ctx context.Context, userID string) (Preferences, error)
}

package entity

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.yaml.in/yaml/v3"

	"herald/internal/notification"
)

type User struct {
	ID              string    `yaml:"id" json:"id"`
	Name            string    `yaml:"name" json:"name"`
	Email           string    `yaml:"email" json:"email"`
	Phone           string    `yaml:"phone" json:"phone"`
	PushTokens      []string  `yaml:"push_tokens" json:"push_tokens"`
	EmailOptIn      bool      `yaml:"email_opt_in" json:"email_opt_in"`
	PushOptIn       bool      `yaml:"push_opt_in" json:"push_opt_in"`
	SMSOptIn        bool      `yaml:"sms_opt_in" json:"sms_opt_in"`
	ProfileComplete bool      `yaml:"profile_complete" json:"profile_complete"`
	NudgeAt         time.Time `yaml:"nudge_at" json:"nudge_at"`
}

type Event struct {
	ID                   string    `yaml:"id" json:"id"`
	Title                string    `yaml:"title" json:"title"`
	Location             string    `yaml:"location" json:"location"`
	Status               string    `yaml:"status" json:"status"`
	StartsAt             time.Time `yaml:"starts_at" json:"starts_at"`
	RegistrationDeadline time.Time `yaml:"registration_deadline" json:"registration_deadline"`
	Capacity             int       `yaml:"capacity" json:"capacity"`
	Committed            int       `yaml:"committed" json:"committed"`
}

type Registration struct {
	ID           string    `yaml:"id" json:"id"`
	EventID      string    `yaml:"event_id" json:"event_id"`
	UserID       string    `yaml:"user_id" json:"user_id"`
	Status       string    `yaml:"status" json:"status"`
	Amount       float64   `yaml:"amount" json:"amount"`
	PaymentDueAt time.Time `yaml:"payment_due_at" json:"payment_due_at"`
	Paid         bool      `yaml:"paid" json:"paid"`
}

const (
	RegistrationPending   = "pending"
	RegistrationApproved  = "approved"
	RegistrationCancelled = "cancelled"
	RegistrationRejected  = "rejected"
)

// Fixtures is the YAML seed document of the memory store.
type Fixtures struct {
	Users         []User                       `yaml:"users"`
	Events        []Event                      `yaml:"events"`
	Registrations []Registration               `yaml:"registrations"`
	Waitlist      []notification.WaitlistEntry `yaml:"waitlist"`
}

// Hooks are called by the store after a mutation. They run synchronously,
// outside the store lock.
type Hooks struct {
	// SlotFreed fires when a cancellation, rejection or capacity increase
	// frees a slot on parentID.
	SlotFreed func(ctx context.Context, parentID string)
	// EventRemoved fires when an event is deleted or cancelled.
	EventRemoved func(ctx context.Context, eventID string)
}

// Memory is an in-process Store used by tests and the reference deployment.
type Memory struct {
	mu            sync.Mutex
	users         map[string]*User
	events        map[string]*Event
	registrations map[string]*Registration
	waitlist      map[string][]*notification.WaitlistEntry // by parent
	hooks         Hooks
	now           func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:         map[string]*User{},
		events:        map[string]*Event{},
		registrations: map[string]*Registration{},
		waitlist:      map[string][]*notification.WaitlistEntry{},
		now:           time.Now,
	}
}

// LoadFixtures reads a YAML fixtures file into a new Memory store.
func LoadFixtures(path string) (*Memory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fx Fixtures
	if err := yaml.Unmarshal(b, &fx); err != nil {
		return nil, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	m := NewMemory()
	m.Seed(fx)
	return m, nil
}

func (m *Memory) SetHooks(h Hooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Seed adds fixture data. Waitlist entries without a position get the next
// one for their parent; entries are kept ordered by join time.
func (m *Memory) Seed(fx Fixtures) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range fx.Users {
		u := fx.Users[i]
		m.users[u.ID] = &u
	}
	for i := range fx.Events {
		e := fx.Events[i]
		if e.Status == "" {
			e.Status = "published"
		}
		m.events[e.ID] = &e
	}
	for i := range fx.Registrations {
		r := fx.Registrations[i]
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		m.registrations[r.ID] = &r
	}
	for i := range fx.Waitlist {
		e := fx.Waitlist[i]
		m.addWaitlistLocked(&e)
	}
}

func (m *Memory) addWaitlistLocked(e *notification.WaitlistEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = notification.WaitlistWaiting
	}
	list := m.waitlist[e.ParentID]
	if e.Position == 0 {
		e.Position = len(list) + 1
	}
	list = append(list, e)
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].JoinedAt.Before(list[j].JoinedAt)
		}
		return list[i].Position < list[j].Position
	})
	m.waitlist[e.ParentID] = list
}

// JoinWaitlist appends recipient to parentID's waitlist at the next position.
func (m *Memory) JoinWaitlist(parentID, recipient string, autoPromote bool, expiresAt time.Time) notification.WaitlistEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.waitlist[parentID]
	pos := 1
	if n := len(list); n > 0 {
		pos = list[n-1].Position + 1
	}
	e := &notification.WaitlistEntry{
		ParentID:    parentID,
		Recipient:   recipient,
		Position:    pos,
		JoinedAt:    m.now(),
		AutoPromote: autoPromote,
		ExpiresAt:   expiresAt,
	}
	m.addWaitlistLocked(e)
	return *e
}

func (m *Memory) FindCandidates(_ context.Context, kind notification.Kind, w Window, f Filters) ([]Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Candidate
	switch kind {
	case notification.KindEventReminder:
		for _, ev := range m.sortedEventsLocked() {
			if !statusIn(ev.Status, f.EntityStatuses, "published") || !w.Contains(ev.StartsAt) {
				continue
			}
			for _, r := range m.registrationsForLocked(ev.ID) {
				if !statusIn(r.Status, f.RegistrationStatuses, RegistrationApproved) {
					continue
				}
				out = append(out, m.eventCandidateLocked(ev, r, ev.StartsAt))
			}
		}
	case notification.KindRegistrationDeadline:
		for _, ev := range m.sortedEventsLocked() {
			if !statusIn(ev.Status, f.EntityStatuses, "published") || !w.Contains(ev.RegistrationDeadline) {
				continue
			}
			for _, r := range m.registrationsForLocked(ev.ID) {
				if !statusIn(r.Status, f.RegistrationStatuses, RegistrationPending) {
					continue
				}
				out = append(out, m.eventCandidateLocked(ev, r, ev.RegistrationDeadline))
			}
		}
	case notification.KindPaymentDue:
		for _, ev := range m.sortedEventsLocked() {
			if !statusIn(ev.Status, f.EntityStatuses, "published") {
				continue
			}
			for _, r := range m.registrationsForLocked(ev.ID) {
				if r.Paid || r.PaymentDueAt.IsZero() || !w.Contains(r.PaymentDueAt) {
					continue
				}
				if !statusIn(r.Status, f.RegistrationStatuses, RegistrationApproved, RegistrationPending) {
					continue
				}
				c := m.eventCandidateLocked(ev, r, r.PaymentDueAt)
				c.Data["amount"] = r.Amount
				c.Data["due_at"] = r.PaymentDueAt
				out = append(out, c)
			}
		}
	case notification.KindProfileIncomplete:
		ids := make([]string, 0, len(m.users))
		for id := range m.users {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			u := m.users[id]
			if u.ProfileComplete || u.NudgeAt.IsZero() || !w.Contains(u.NudgeAt) {
				continue
			}
			out = append(out, Candidate{
				Recipient:     u.ID,
				OccurrenceKey: u.NudgeAt.UTC().Format("2006-01-02"),
				Target:        u.NudgeAt,
				Data:          map[string]any{"user_name": u.Name},
			})
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return out, nil
}

func (m *Memory) eventCandidateLocked(ev *Event, r *Registration, target time.Time) Candidate {
	data := map[string]any{
		"event_id":    ev.ID,
		"event_title": ev.Title,
		"location":    ev.Location,
		"starts_at":   ev.StartsAt,
		"deadline":    ev.RegistrationDeadline,
	}
	if u := m.users[r.UserID]; u != nil {
		data["user_name"] = u.Name
	}
	return Candidate{Recipient: r.UserID, RelatedEntity: ev.ID, Target: target, Data: data}
}

func (m *Memory) sortedEventsLocked() []*Event {
	out := make([]*Event, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) registrationsForLocked(eventID string) []*Registration {
	var out []*Registration
	for _, r := range m.registrations {
		if r.EventID == eventID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func statusIn(status string, allowed []string, defaults ...string) bool {
	if len(allowed) == 0 {
		allowed = defaults
	}
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

func (m *Memory) GetCapacity(_ context.Context, entityID string) (Capacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[entityID]
	if !ok {
		return Capacity{}, ErrNotFound
	}
	return Capacity{Capacity: ev.Capacity, Committed: ev.Committed}, nil
}

// MutateRegistration applies p to registration id. Moving an approved
// registration to cancelled or rejected releases its slot and fires
// Hooks.SlotFreed; approving one takes a slot or fails with ErrCapacityConflict.
func (m *Memory) MutateRegistration(ctx context.Context, id string, p Patch) error {
	m.mu.Lock()
	r, ok := m.registrations[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if p.ExpectStatus != "" && r.Status != p.ExpectStatus {
		m.mu.Unlock()
		return ErrCapacityConflict
	}
	ev := m.events[r.EventID]
	freed := false
	switch {
	case p.Status == RegistrationApproved && r.Status != RegistrationApproved:
		if ev == nil || ev.Committed >= ev.Capacity {
			m.mu.Unlock()
			return ErrCapacityConflict
		}
		ev.Committed++
	case r.Status == RegistrationApproved && (p.Status == RegistrationCancelled || p.Status == RegistrationRejected):
		if ev != nil && ev.Committed > 0 {
			ev.Committed--
			freed = true
		}
	}
	r.Status = p.Status
	hook := m.hooks.SlotFreed
	m.mu.Unlock()

	if freed && hook != nil {
		hook(ctx, r.EventID)
	}
	return nil
}

// SetCapacity changes an event's capacity; an increase fires Hooks.SlotFreed.
func (m *Memory) SetCapacity(ctx context.Context, eventID string, capacity int) error {
	m.mu.Lock()
	ev, ok := m.events[eventID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	grew := capacity > ev.Capacity
	ev.Capacity = capacity
	hook := m.hooks.SlotFreed
	m.mu.Unlock()

	if grew && hook != nil {
		hook(ctx, eventID)
	}
	return nil
}

// RemoveEvent marks an event cancelled and fires Hooks.EventRemoved.
func (m *Memory) RemoveEvent(ctx context.Context, eventID string) error {
	m.mu.Lock()
	ev, ok := m.events[eventID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	ev.Status = "cancelled"
	hook := m.hooks.EventRemoved
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, eventID)
	}
	return nil
}

func (m *Memory) WaitlistEntries(_ context.Context, parentID string) ([]notification.WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.waitlist[parentID]
	out := make([]notification.WaitlistEntry, 0, len(list))
	for _, e := range list {
		out = append(out, *e)
	}
	return out, nil
}

func (m *Memory) PromoteEntry(_ context.Context, parentID, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[parentID]
	if !ok {
		return ErrNotFound
	}
	var entry *notification.WaitlistEntry
	for _, e := range m.waitlist[parentID] {
		if e.ID == entryID {
			entry = e
			break
		}
	}
	if entry == nil {
		return ErrNotFound
	}
	if entry.Status != notification.WaitlistWaiting || ev.Committed >= ev.Capacity {
		return ErrCapacityConflict
	}
	entry.Status = notification.WaitlistConfirmed
	ev.Committed++
	id := "reg-" + entry.ID
	m.registrations[id] = &Registration{ID: id, EventID: parentID, UserID: entry.Recipient, Status: RegistrationApproved}
	return nil
}

func (m *Memory) GetRecipientPreferences(_ context.Context, userID string) (Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return Preferences{}, ErrNotFound
	}
	return Preferences{
		UserID:     u.ID,
		Email:      u.Email,
		Phone:      u.Phone,
		PushTokens: append([]string(nil), u.PushTokens...),
		EmailOptIn: u.EmailOptIn,
		PushOptIn:  u.PushOptIn,
		SMSOptIn:   u.SMSOptIn,
	}, nil
}

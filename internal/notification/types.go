package notification

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind names a notification family (event_reminder, payment_due, ...).
type Kind string

const (
	KindEventReminder        Kind = "event_reminder"
	KindRegistrationDeadline Kind = "registration_deadline"
	KindPaymentDue           Kind = "payment_due"
	KindProfileIncomplete    Kind = "profile_incomplete"
	KindWaitlistPromoted     Kind = "waitlist_promoted"
)

// Priority is the urgency tier of a record.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return -1
	}
}

func (p Priority) Valid() bool { return p.Rank() >= 0 }

// AtLeast reports whether p is the same tier as o or more urgent.
func (p Priority) AtLeast(o Priority) bool { return p.Rank() >= o.Rank() }

func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Channel is a delivery transport.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
)

// Channels lists every channel in dispatch precedence order.
var Channels = []Channel{ChannelInApp, ChannelEmail, ChannelPush, ChannelSMS}

func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelPush, ChannelSMS:
		return true
	}
	return false
}

// Outcome is one channel attempt. Outcomes are appended to a record, never rewritten.
type Outcome struct {
	Channel   Channel   `json:"channel"`
	Attempted bool      `json:"attempted"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
	Permanent bool      `json:"permanent,omitempty"`
	At        time.Time `json:"at"`
}

// Key identifies one logical notification occurrence.
type Key struct {
	Recipient     string
	RelatedEntity string
	Kind          Kind
	OccurrenceKey string
}

func (k Key) String() string {
	return string(k.Kind) + "|" + k.Recipient + "|" + k.RelatedEntity + "|" + k.OccurrenceKey
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.Recipient) == "" {
		return errors.New("recipient is required")
	}
	if strings.TrimSpace(string(k.Kind)) == "" {
		return errors.New("kind is required")
	}
	return nil
}

// Record is the persisted lineage of one notification occurrence.
type Record struct {
	ID            string         `json:"id"`
	Recipient     string         `json:"recipient"`
	RelatedEntity string         `json:"related_entity,omitempty"`
	Kind          Kind           `json:"kind"`
	OccurrenceKey string         `json:"occurrence_key,omitempty"`
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data,omitempty"`
	Priority      Priority       `json:"priority"`
	Deliveries    []Outcome      `json:"deliveries,omitempty"`
	State         State          `json:"state"`
	RetryCount    int            `json:"retry_count"`
	NextRetryAt   time.Time      `json:"next_retry_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (r *Record) Key() Key {
	return Key{Recipient: r.Recipient, RelatedEntity: r.RelatedEntity, Kind: r.Kind, OccurrenceKey: r.OccurrenceKey}
}

// Clone returns a deep copy safe to hand across goroutines.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Data != nil {
		cp.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			cp.Data[k] = v
		}
	}
	cp.Deliveries = append([]Outcome(nil), r.Deliveries...)
	return &cp
}

// MessageState is the lifecycle of an OutboundMessage.
type MessageState string

const (
	MessagePending         MessageState = "pending"
	MessageSent            MessageState = "sent"
	MessageFailed          MessageState = "failed"
	MessageFailedPermanent MessageState = "failed_permanent"
)

func (s MessageState) Terminal() bool {
	return s == MessageSent || s == MessageFailedPermanent
}

// OutboundMessage is a queued unit for bulk or deferred sending.
type OutboundMessage struct {
	ID           string         `json:"id"`
	Channel      Channel        `json:"channel"`
	Recipient    string         `json:"recipient"`
	Subject      string         `json:"subject,omitempty"`
	Body         string         `json:"body,omitempty"`
	TemplateID   Kind           `json:"template_id,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Priority     int            `json:"priority"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	RetryCount   int            `json:"retry_count"`
	LastError    string         `json:"last_error,omitempty"`
	State        MessageState   `json:"state"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (m *OutboundMessage) Clone() *OutboundMessage {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Data != nil {
		cp.Data = make(map[string]any, len(m.Data))
		for k, v := range m.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}

// WaitlistStatus is the state of a waitlist entry.
type WaitlistStatus string

const (
	WaitlistWaiting   WaitlistStatus = "waiting"
	WaitlistConfirmed WaitlistStatus = "confirmed"
	WaitlistExpired   WaitlistStatus = "expired"
)

// WaitlistEntry is a queued registrant of a capacity-bound parent entity.
type WaitlistEntry struct {
	ID          string         `json:"id" yaml:"id"`
	ParentID    string         `json:"parent_id" yaml:"parent_id"`
	Recipient   string         `json:"recipient" yaml:"recipient"`
	Position    int            `json:"position" yaml:"position"`
	JoinedAt    time.Time      `json:"joined_at" yaml:"joined_at"`
	AutoPromote bool           `json:"auto_promote" yaml:"auto_promote"`
	ExpiresAt   time.Time      `json:"expires_at,omitempty" yaml:"expires_at"`
	Status      WaitlistStatus `json:"status" yaml:"status"`
}

// Eligible reports whether the entry may be promoted at now.
func (e WaitlistEntry) Eligible(now time.Time) bool {
	if e.Status != "" && e.Status != WaitlistWaiting {
		return false
	}
	if !e.AutoPromote {
		return false
	}
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

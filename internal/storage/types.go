package storage

import (
	"context"
	"errors"
	"time"

	"herald/internal/notification"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a write would break the record key
	// uniqueness or touch a record that is already terminal.
	ErrConflict = errors.New("storage: conflict")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default)
//   - "sqlite": Path is the database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// RecordFilter narrows ListRecords. Zero fields match everything.
type RecordFilter struct {
	State         notification.State
	Recipient     string
	RelatedEntity string
	Kind          notification.Kind
	Limit         int
}

func (f RecordFilter) match(r *notification.Record) bool {
	if f.State != "" && r.State != f.State {
		return false
	}
	if f.Recipient != "" && r.Recipient != f.Recipient {
		return false
	}
	if f.RelatedEntity != "" && r.RelatedEntity != f.RelatedEntity {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	return true
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	State     notification.MessageState
	Recipient string
	Limit     int
}

func (f MessageFilter) match(m *notification.OutboundMessage) bool {
	if f.State != "" && m.State != f.State {
		return false
	}
	if f.Recipient != "" && m.Recipient != f.Recipient {
		return false
	}
	return true
}

// RecordStore persists NotificationRecords.
type RecordStore interface {
	// CreateRecord inserts r. ErrConflict if a record with the same key exists.
	CreateRecord(ctx context.Context, r *notification.Record) error
	GetRecord(ctx context.Context, id string) (*notification.Record, error)
	FindRecord(ctx context.Context, key notification.Key) (*notification.Record, error)
	// UpdateRecord replaces the mutable fields of r. ErrConflict if the stored
	// record is already terminal.
	UpdateRecord(ctx context.Context, r *notification.Record) error
	ListRecords(ctx context.Context, f RecordFilter) ([]*notification.Record, error)
	// DueRetries returns retry_scheduled records with NextRetryAt <= now, oldest first.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*notification.Record, error)
	// StalePending returns pending records last touched before cutoff.
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]*notification.Record, error)
	DeleteTerminalRecords(ctx context.Context, before time.Time) (int, error)
}

// MessageStore persists OutboundMessages.
type MessageStore interface {
	InsertMessage(ctx context.Context, m *notification.OutboundMessage) error
	GetMessage(ctx context.Context, id string) (*notification.OutboundMessage, error)
	// DueMessages returns pending messages with ScheduledFor <= now ordered by
	// priority desc, created_at asc.
	DueMessages(ctx context.Context, now time.Time, limit int) ([]*notification.OutboundMessage, error)
	UpdateMessage(ctx context.Context, m *notification.OutboundMessage) error
	ListMessages(ctx context.Context, f MessageFilter) ([]*notification.OutboundMessage, error)
	DeleteTerminalMessages(ctx context.Context, before time.Time) (int, error)
}

// Store is the persistence API used by the engine.
type Store interface {
	RecordStore
	MessageStore
	Close() error
}

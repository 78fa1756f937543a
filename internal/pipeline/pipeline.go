// Package pipeline wires one notification occurrence through the engine:
// evaluate, admit, render, record, deliver, settle.
//
// Every path that creates a record (scheduled evaluation, direct Notify,
// waitlist promotion) goes through the same dedup guard and the same retry
// policy; the retry sweep re-enters through Redispatch.
package pipeline

import (
	"errors"
	"strings"
	"sync"
	"time"

	"herald/internal/content"
	"herald/internal/dedup"
	"herald/internal/eventbus"
	"herald/internal/evaluator"
	"herald/internal/notification"
	"herald/internal/notifier"
	"herald/internal/retry"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// ErrAlreadyHandled is returned by Notify when the key already has a record
// (or another caller holds its claim).
var ErrAlreadyHandled = errors.New("pipeline: notification already handled")

type Config struct {
	// MaxInFlight bounds concurrent candidates within one RunKind.
	MaxInFlight   int
	RetentionDays int
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 16
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	return c
}

type Deps struct {
	Evaluator  *evaluator.Evaluator
	Guard      *dedup.Guard
	Builder    *content.Builder
	Dispatcher *notifier.Dispatcher
	Store      storage.Store
	Bus        eventbus.Bus
}

type Pipeline struct {
	eval   *evaluator.Evaluator
	guard  *dedup.Guard
	build  *content.Builder
	disp   *notifier.Dispatcher
	store  storage.Store
	bus    eventbus.Bus
	log    logx.Logger
	newID  func() (string, error)
	mu     sync.RWMutex
	cfg    Config
	policy retry.Policy
	now    func() time.Time
}

func New(cfg Config, policy retry.Policy, d Deps, log logx.Logger) *Pipeline {
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Builder == nil {
		d.Builder = content.New()
	}
	return &Pipeline{
		eval:   d.Evaluator,
		guard:  d.Guard,
		build:  d.Builder,
		disp:   d.Dispatcher,
		store:  d.Store,
		bus:    d.Bus,
		log:    log.With(logx.String("comp", "pipeline")),
		newID:  newRecordID,
		cfg:    cfg.withDefaults(),
		policy: policy,
		now:    time.Now,
	}
}

// Apply swaps concurrency, retention and the retry policy for future runs.
func (p *Pipeline) Apply(cfg Config, policy retry.Policy) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.policy = policy
	p.mu.Unlock()
}

func (p *Pipeline) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

func (p *Pipeline) settings() (Config, retry.Policy, func() time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg, p.policy, p.now
}

// Policy returns the retry policy in effect.
func (p *Pipeline) Policy() retry.Policy {
	_, pol, _ := p.settings()
	return pol
}

// Request is a direct notification from a producer outside the evaluator.
type Request struct {
	Recipient     string                `json:"recipient"`
	RelatedEntity string                `json:"related_entity,omitempty"`
	Kind          notification.Kind     `json:"kind"`
	OccurrenceKey string                `json:"occurrence_key,omitempty"`
	Priority      notification.Priority `json:"priority,omitempty"`
	Data          map[string]any        `json:"data,omitempty"`
}

func (r Request) Key() notification.Key {
	return notification.Key{
		Recipient:     strings.TrimSpace(r.Recipient),
		RelatedEntity: strings.TrimSpace(r.RelatedEntity),
		Kind:          r.Kind,
		OccurrenceKey: strings.TrimSpace(r.OccurrenceKey),
	}
}

// TickReport summarizes one RunKind.
type TickReport struct {
	Kind            notification.Kind `json:"kind"`
	Candidates      int               `json:"candidates"`
	Created         int               `json:"created"`
	Skipped         int               `json:"skipped"`
	Sent            int               `json:"sent"`
	RetryScheduled  int               `json:"retry_scheduled"`
	FailedPermanent int               `json:"failed_permanent"`
	Errors          int               `json:"errors"`
}

// RecordEvent is the bus payload of record.* events.
type RecordEvent struct {
	ID          string             `json:"id"`
	Kind        notification.Kind  `json:"kind"`
	Recipient   string             `json:"recipient"`
	State       notification.State `json:"state"`
	RetryCount  int                `json:"retry_count"`
	NextRetryAt time.Time          `json:"next_retry_at,omitzero"`
	Error       string             `json:"error,omitempty"`
}

type CleanupReport struct {
	Before   time.Time `json:"before"`
	Records  int       `json:"records"`
	Messages int       `json:"messages"`
}

// Package outbox is the persisted outbound queue: producers enqueue
// messages, a scheduled drain sends the due ones in throttled sub-batches.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"herald/internal/config"
	"herald/internal/content"
	"herald/internal/eventbus"
	"herald/internal/notification"
	"herald/internal/retry"
	"herald/internal/storage"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

var ErrInvalidMessage = errors.New("outbox: invalid message")

type Config struct {
	BatchSize       int
	SubBatchSize    int
	InterBatchDelay time.Duration
	MaxInFlight     int
	MaxRetries      int
	// RatePerSec caps sends across the whole drain; <= 0 is unlimited.
	RatePerSec float64
	Backoff    retry.Policy
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.SubBatchSize <= 0 {
		c.SubBatchSize = 10
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = c.SubBatchSize
	}
	c.MaxRetries = max(c.MaxRetries, 0)
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 5 * time.Minute
	}
	return c
}

// ConfigFrom converts the queue section; backoff follows the retry section.
func ConfigFrom(q config.QueueConfig, r config.RetryConfig) (Config, error) {
	delay, err := config.ParseDurationOrDefault("queue.inter_batch_delay", q.InterBatchDelay, time.Second)
	if err != nil {
		return Config{}, err
	}
	policy, err := retry.PolicyFrom(r)
	if err != nil {
		return Config{}, err
	}
	return Config{
		BatchSize:       q.BatchSize,
		SubBatchSize:    q.SubBatchSize,
		InterBatchDelay: delay,
		MaxInFlight:     q.MaxInFlight,
		MaxRetries:      q.Retries(r),
		RatePerSec:      q.RatePerSec,
		Backoff:         policy,
	}, nil
}

// Queue is safe for concurrent use. Drains are expected to be serialized by
// the scheduler's overlap guard.
type Queue struct {
	store   storage.MessageStore
	set     transport.Set
	builder *content.Builder
	bus     eventbus.Bus
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time

	rmu     sync.Mutex
	reports []DrainReport
}

func New(cfg Config, store storage.MessageStore, set transport.Set, builder *content.Builder, bus eventbus.Bus, log logx.Logger) *Queue {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if builder == nil {
		builder = content.New()
	}
	q := &Queue{
		store:   store,
		set:     set,
		builder: builder,
		bus:     bus,
		log:     log.With(logx.String("comp", "outbox")),
		now:     time.Now,
	}
	q.Apply(cfg)
	return q
}

func (q *Queue) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg = cfg
	if cfg.RatePerSec <= 0 {
		q.limiter = nil
		return
	}
	burst := max(1, int(cfg.RatePerSec))
	if q.limiter != nil {
		q.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		q.limiter.SetBurst(burst)
		return
	}
	q.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

func (q *Queue) snapshot() (Config, *rate.Limiter, func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg, q.limiter, q.now
}

// Enqueue validates msg, assigns its id and stores it as pending. A zero
// ScheduledFor means now.
func (q *Queue) Enqueue(ctx context.Context, msg *notification.OutboundMessage) (string, error) {
	if err := validate(msg); err != nil {
		return "", err
	}
	_, _, clock := q.snapshot()
	now := clock()

	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	m := msg.Clone()
	m.ID = id.String()
	m.State = notification.MessagePending
	m.RetryCount = 0
	m.LastError = ""
	if m.ScheduledFor.IsZero() {
		m.ScheduledFor = now
	}
	m.CreatedAt, m.UpdatedAt = now, now
	if err := q.store.InsertMessage(ctx, m); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	q.log.Debug("message queued",
		logx.String("id", m.ID),
		logx.String("channel", string(m.Channel)),
		logx.Int("priority", m.Priority),
		logx.Time("scheduled_for", m.ScheduledFor))
	return m.ID, nil
}

func validate(m *notification.OutboundMessage) error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: nil", ErrInvalidMessage)
	case !m.Channel.Valid():
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidMessage, m.Channel)
	case strings.TrimSpace(m.Recipient) == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	case strings.TrimSpace(m.Body) == "" && m.TemplateID == "":
		return fmt.Errorf("%w: body or template_id is required", ErrInvalidMessage)
	}
	return nil
}

// Reports returns the most recent drain reports, oldest first.
func (q *Queue) Reports() []DrainReport {
	q.rmu.Lock()
	defer q.rmu.Unlock()
	return append([]DrainReport(nil), q.reports...)
}

func (q *Queue) keepReport(r DrainReport) {
	q.rmu.Lock()
	q.reports = append(q.reports, r)
	if len(q.reports) > 50 {
		q.reports = q.reports[len(q.reports)-50:]
	}
	q.rmu.Unlock()
}

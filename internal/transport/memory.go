package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"herald/internal/notification"
)

// Delivery is one send captured by Memory.
type Delivery struct {
	Channel   notification.Channel
	Recipient string
	Subject   string
	Body      string
	Payload   Payload
	ID        string
}

// Memory implements every channel in process. It doubles as the in-app
// inbox of the reference deployment and as the test double for the
// dispatcher: Fail lets a test script per-channel errors.
type Memory struct {
	mu         sync.Mutex
	deliveries []Delivery
	inbox      map[string][]Delivery
	limit      int

	// Fail, when set, is consulted before each send.
	Fail func(ch notification.Channel, recipient string) error
}

func NewMemory() *Memory {
	return &Memory{inbox: map[string][]Delivery{}}
}

// Set exposes m as all four channels.
func (m *Memory) Set() Set {
	return Set{InApp: m, Email: m, Push: m, SMS: m}
}

// SetLimit keeps only the newest n deliveries (and n inbox entries per
// recipient). 0 keeps everything.
func (m *Memory) SetLimit(n int) {
	m.mu.Lock()
	m.limit = max(0, n)
	m.mu.Unlock()
}

func (m *Memory) fail(ch notification.Channel, recipient string) error {
	m.mu.Lock()
	f := m.Fail
	m.mu.Unlock()
	if f == nil {
		return nil
	}
	return f(ch, recipient)
}

func (m *Memory) SetFail(f func(ch notification.Channel, recipient string) error) {
	m.mu.Lock()
	m.Fail = f
	m.mu.Unlock()
}

func (m *Memory) record(d Delivery) {
	m.mu.Lock()
	m.deliveries = append(m.deliveries, d)
	if d.Channel == notification.ChannelInApp {
		m.inbox[d.Recipient] = trim(append(m.inbox[d.Recipient], d), m.limit)
	}
	m.deliveries = trim(m.deliveries, m.limit)
	m.mu.Unlock()
}

func trim(ds []Delivery, limit int) []Delivery {
	if limit <= 0 || len(ds) <= limit {
		return ds
	}
	return append(ds[:0:0], ds[len(ds)-limit:]...)
}

func (m *Memory) SendEmail(ctx context.Context, to, subject, body string) error {
	if err := m.fail(notification.ChannelEmail, to); err != nil {
		return err
	}
	m.record(Delivery{Channel: notification.ChannelEmail, Recipient: to, Subject: subject, Body: body})
	return ctx.Err()
}

func (m *Memory) SendPush(ctx context.Context, userID string, _ []string, p Payload) error {
	if err := m.fail(notification.ChannelPush, userID); err != nil {
		return err
	}
	m.record(Delivery{Channel: notification.ChannelPush, Recipient: userID, Subject: p.Title, Body: p.Message, Payload: p})
	return ctx.Err()
}

func (m *Memory) SendSMS(ctx context.Context, phone, message string) error {
	if err := m.fail(notification.ChannelSMS, phone); err != nil {
		return err
	}
	m.record(Delivery{Channel: notification.ChannelSMS, Recipient: phone, Body: message})
	return ctx.Err()
}

func (m *Memory) CreateInApp(ctx context.Context, userID string, p Payload) (string, error) {
	if err := m.fail(notification.ChannelInApp, userID); err != nil {
		return "", err
	}
	id := uuid.NewString()
	m.record(Delivery{Channel: notification.ChannelInApp, Recipient: userID, Subject: p.Title, Body: p.Message, Payload: p, ID: id})
	return id, ctx.Err()
}

// Deliveries returns a copy of every successful send so far.
func (m *Memory) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.deliveries...)
}

// Inbox returns the in-app notifications of userID, oldest first.
func (m *Memory) Inbox(userID string) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.inbox[userID]...)
}

// Count returns the number of successful sends on ch.
func (m *Memory) Count(ch notification.Channel) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.deliveries {
		if d.Channel == ch {
			n++
		}
	}
	return n
}

package transport

import (
	"context"

	"herald/internal/notification"
)

// Payload is the rendered content handed to push and in-app transports.
type Payload struct {
	Kind     notification.Kind     `json:"kind"`
	Title    string                `json:"title"`
	Message  string                `json:"message"`
	Data     map[string]any        `json:"data,omitempty"`
	Priority notification.Priority `json:"priority"`
}

type Email interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type Push interface {
	SendPush(ctx context.Context, userID string, tokens []string, p Payload) error
}

type SMS interface {
	SendSMS(ctx context.Context, phone, message string) error
}

// InApp stores a notification in the recipient's in-app inbox and returns its id.
type InApp interface {
	CreateInApp(ctx context.Context, userID string, p Payload) (string, error)
}

// Set groups the channel transports. A nil member disables that channel.
type Set struct {
	InApp InApp
	Email Email
	Push  Push
	SMS   SMS
}

package transport

import (
	"context"

	logx "herald/pkg/logx"
)

// Log writes email, push and SMS sends to the logger instead of a provider.
// Deployments without provider credentials use it so the pipeline still runs.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log.With(logx.String("comp", "transport.log"))}
}

func (l *Log) SendEmail(_ context.Context, to, subject, _ string) error {
	l.log.Info("email", logx.String("to", to), logx.String("subject", subject))
	return nil
}

func (l *Log) SendPush(_ context.Context, userID string, tokens []string, p Payload) error {
	l.log.Info("push", logx.String("user", userID), logx.Int("tokens", len(tokens)), logx.String("title", p.Title))
	return nil
}

func (l *Log) SendSMS(_ context.Context, phone, message string) error {
	l.log.Info("sms", logx.String("phone", phone), logx.Int("len", len(message)))
	return nil
}

package app

import (
	"fmt"
	"strings"
	"time"

	"herald/internal/config"
	"herald/internal/transport"
	"herald/internal/transport/smtp"
	"herald/internal/transport/telegram"
	"herald/internal/transport/webhook"
	logx "herald/pkg/logx"
)

// inboxLimit bounds the in-process in-app inbox.
const inboxLimit = 10000

// channels is the built transport set plus the handles the app needs later.
type channels struct {
	set      transport.Set
	inbox    *transport.Memory
	telegram *telegram.Transport // nil unless push.driver=telegram
}

func buildChannels(cfg config.ChannelsConfig, log logx.Logger) (channels, error) {
	inbox := transport.NewMemory()
	inbox.SetLimit(inboxLimit)
	out := channels{inbox: inbox, set: transport.Set{InApp: inbox}}
	logT := transport.NewLog(log)

	switch d := driverName(cfg.Email.Driver); d {
	case "log":
		out.set.Email = logT
	case "smtp":
		timeout, err := config.ParseDurationOrDefault("channels.email.smtp.timeout", cfg.Email.SMTP.Timeout, 30*time.Second)
		if err != nil {
			return out, err
		}
		t, err := smtp.New(smtp.Config{
			Host:     cfg.Email.SMTP.Host,
			Port:     cfg.Email.SMTP.Port,
			From:     cfg.Email.SMTP.From,
			Username: cfg.Email.SMTP.Username,
			Password: cfg.Email.SMTP.Password,
			StartTLS: cfg.Email.SMTP.StartTLS,
			Timeout:  timeout,
		}, log)
		if err != nil {
			return out, err
		}
		out.set.Email = t
	case "none":
	default:
		return out, fmt.Errorf("unknown channels.email.driver: %s", d)
	}

	switch d := driverName(cfg.Push.Driver); d {
	case "log":
		out.set.Push = logT
	case "telegram":
		timeout, err := config.ParseDurationOrDefault("channels.push.telegram.timeout", cfg.Push.Telegram.Timeout, 10*time.Second)
		if err != nil {
			return out, err
		}
		t, err := telegram.New(telegram.Config{
			Token:       cfg.Push.Telegram.Token,
			AlertChatID: cfg.Push.Telegram.AlertChatID,
			Timeout:     timeout,
		}, log)
		if err != nil {
			return out, err
		}
		out.set.Push = t
		out.telegram = t
	case "none":
	default:
		return out, fmt.Errorf("unknown channels.push.driver: %s", d)
	}

	switch d := driverName(cfg.SMS.Driver); d {
	case "log":
		out.set.SMS = logT
	case "webhook":
		timeout, err := config.ParseDurationOrDefault("channels.sms.webhook.timeout", cfg.SMS.Webhook.Timeout, 10*time.Second)
		if err != nil {
			return out, err
		}
		t, err := webhook.New(webhook.Config{
			URL:     cfg.SMS.Webhook.URL,
			Token:   cfg.SMS.Webhook.Token,
			Sender:  cfg.SMS.Webhook.Sender,
			Timeout: timeout,
		}, log)
		if err != nil {
			return out, err
		}
		out.set.SMS = t
	case "none":
	default:
		return out, fmt.Errorf("unknown channels.sms.driver: %s", d)
	}
	return out, nil
}

func driverName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "log"
	}
	return s
}

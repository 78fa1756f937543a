// Package webhook is the SMS transport: it posts each message as JSON to an
// HTTP gateway.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "herald/pkg/logx"

	"herald/internal/transport"
)

type Config struct {
	URL     string
	Token   string
	Sender  string
	Timeout time.Duration
}

type Transport struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

func New(cfg Config, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "transport.webhook")),
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (t *Transport) SendSMS(ctx context.Context, phone, message string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return transport.WrapPermanent(errors.New("empty phone number"))
	}
	body, err := json.Marshal(smsRequest{To: phone, From: t.cfg.Sender, Message: message})
	if err != nil {
		return transport.WrapPermanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return transport.WrapPermanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return transport.WrapTransient(err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return transport.WrapTransient(fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return transport.WrapPermanent(fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	default:
		return transport.WrapTransient(fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
}

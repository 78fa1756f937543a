// Package smtp is the email transport: a plain SMTP client with optional
// STARTTLS and PLAIN auth.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	gosmtp "net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	logx "herald/pkg/logx"

	"herald/internal/transport"
)

type Config struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	// StartTLS upgrades the connection when the server offers it.
	StartTLS bool
	Timeout  time.Duration
}

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Transport struct {
	cfg    Config
	log    logx.Logger
	dialer Dialer
	now    func() time.Time
}

func New(cfg Config, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp: invalid port %d", cfg.Port)
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("smtp: invalid from address: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "transport.smtp")),
		dialer: &net.Dialer{Timeout: cfg.Timeout},
		now:    time.Now,
	}, nil
}

func (t *Transport) SendEmail(ctx context.Context, to, subject, body string) error {
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return transport.WrapPermanent(fmt.Errorf("invalid recipient %q: %w", to, err))
	}
	from, _ := mail.ParseAddress(t.cfg.From)
	msg := t.buildMessage(from, rcpt, subject, body)
	if err := t.deliver(ctx, from.Address, rcpt.Address, msg); err != nil {
		return classify(err)
	}
	return nil
}

func (t *Transport) buildMessage(from, to *mail.Address, subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", t.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

func (t *Transport) deliver(ctx context.Context, from, to string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := gosmtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	defer c.Close()

	if t.cfg.StartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if t.cfg.Username != "" {
		if err := c.Auth(gosmtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// classify treats 5xx SMTP replies as permanent (mailbox unknown, rejected)
// and everything else, including network failures, as transient.
func classify(err error) error {
	var te *textproto.Error
	if errors.As(err, &te) && te.Code >= 500 && te.Code < 600 {
		return transport.WrapPermanent(err)
	}
	return transport.WrapTransient(err)
}

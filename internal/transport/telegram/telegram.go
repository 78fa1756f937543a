// Package telegram delivers push notifications and operator alerts through a
// Telegram bot. Push tokens are Telegram chat ids.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	logx "herald/pkg/logx"

	tele "gopkg.in/telebot.v4"

	"herald/internal/transport"
)

const textLimit = 4000

type Config struct {
	Token string
	// AlertChatID receives operator alerts forwarded from the log sink (0 disables).
	AlertChatID int64
	Timeout     time.Duration
}

// sender is the subset of *tele.Bot used here.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Transport struct {
	cfg Config
	log logx.Logger
	bot sender
}

func New(cfg Config, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return newWithSender(cfg, log, b), nil
}

func newWithSender(cfg Config, log logx.Logger, s sender) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{cfg: cfg, log: log.With(logx.String("comp", "transport.telegram")), bot: s}
}

// SendPush sends p to every token (chat id). It fails if any chat fails; a
// mix of permanent and transient failures is reported as transient so the
// record is retried.
func (t *Transport) SendPush(ctx context.Context, userID string, tokens []string, p transport.Payload) error {
	if len(tokens) == 0 {
		return transport.WrapPermanent(fmt.Errorf("user %s has no push tokens", userID))
	}
	text := "<b>" + html.EscapeString(p.Title) + "</b>\n" + html.EscapeString(p.Message)

	var (
		failed    int
		permanent int
		lastErr   error
	)
	for _, tok := range tokens {
		chatID, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(tok), "tg:"), 10, 64)
		if err != nil {
			failed++
			permanent++
			lastErr = fmt.Errorf("invalid chat id %q", tok)
			continue
		}
		if err := t.sendText(ctx, chatID, text); err != nil {
			failed++
			if transport.IsPermanent(err) {
				permanent++
			}
			lastErr = err
			t.log.Debug("push chunk failed", logx.String("user", userID), logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}
	switch {
	case failed == 0:
		return nil
	case failed == permanent && failed == len(tokens):
		return transport.WrapPermanent(lastErr)
	case failed < len(tokens):
		// At least one device got it.
		return nil
	default:
		return transport.WrapTransient(lastErr)
	}
}

// Alert implements logx.Alerter.
func (t *Transport) Alert(ctx context.Context, text string) error {
	if t.cfg.AlertChatID == 0 {
		return nil
	}
	return t.sendText(ctx, t.cfg.AlertChatID, html.EscapeString(text))
}

func (t *Transport) sendText(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return transport.WrapTransient(err)
		}
		if _, err := t.bot.Send(chat, chunk, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}); err != nil {
			return classify(err)
		}
	}
	return nil
}

// classify maps Telegram API errors onto the transport taxonomy: client
// errors (blocked bot, unknown chat) are permanent, everything else transient.
func classify(err error) error {
	var te *tele.Error
	if errors.As(err, &te) && (te.Code == http.StatusBadRequest || te.Code == http.StatusForbidden) {
		return transport.WrapPermanent(err)
	}
	msg := err.Error()
	if strings.Contains(msg, "(400)") || strings.Contains(msg, "(403)") {
		return transport.WrapPermanent(err)
	}
	return transport.WrapTransient(err)
}

// splitText splits long messages on newline boundaries where possible and
// never inside an HTML tag.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		if end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

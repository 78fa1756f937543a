package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"herald/internal/content"
	"herald/internal/entity"
	"herald/internal/notification"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

var ErrCircuitOpen = errors.New("circuit open")

// Dispatcher fans one notification out to a recipient's channels.
//
// It is safe for concurrent use; Apply may run while deliveries are in flight.
type Dispatcher struct {
	prefs entity.Store
	set   transport.Set
	log   logx.Logger
	now   func() time.Time

	mu       sync.RWMutex
	cfg      Config
	limiters map[notification.Channel]*rate.Limiter
	breakers map[notification.Channel]*breaker

	counters map[notification.Channel]*channelCounters
}

type channelCounters struct {
	sent, failed, rejected atomic.Uint64
}

func New(cfg Config, prefs entity.Store, set transport.Set, log logx.Logger) *Dispatcher {
	d := &Dispatcher{
		prefs:    prefs,
		set:      set,
		log:      log.With(logx.String("comp", "notifier")),
		now:      time.Now,
		limiters: map[notification.Channel]*rate.Limiter{},
		breakers: map[notification.Channel]*breaker{},
		counters: map[notification.Channel]*channelCounters{},
	}
	for _, ch := range notification.Channels {
		d.breakers[ch] = newBreaker(cfg.Breaker)
		d.counters[ch] = &channelCounters{}
	}
	d.Apply(cfg)
	return d
}

// SetClock replaces the clock used for outcomes and breaker cooldowns.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// Apply swaps flags, limits and breaker settings. Existing limiters keep
// their token state; breaker failure counts survive.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	for _, ch := range notification.Channels {
		r, ok := cfg.Rates[ch]
		if !ok || r.PerSec <= 0 {
			delete(d.limiters, ch)
		} else {
			burst := r.Burst
			if burst <= 0 {
				burst = max(1, int(r.PerSec))
			}
			if lim := d.limiters[ch]; lim != nil {
				lim.SetLimit(rate.Limit(r.PerSec))
				lim.SetBurst(burst)
			} else {
				d.limiters[ch] = rate.NewLimiter(rate.Limit(r.PerSec), burst)
			}
		}
		d.breakers[ch].setConfig(cfg.Breaker)
	}
}

// Plan returns the channels Deliver would attempt for prefs at priority p.
func (d *Dispatcher) Plan(prefs entity.Preferences, p notification.Priority) []notification.Channel {
	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()
	return plan(cfg, d.set, prefs, p)
}

func plan(cfg Config, set transport.Set, prefs entity.Preferences, p notification.Priority) []notification.Channel {
	var out []notification.Channel
	if set.InApp != nil {
		out = append(out, notification.ChannelInApp)
	}
	if set.Email != nil && prefs.EmailOptIn && prefs.Email != "" {
		out = append(out, notification.ChannelEmail)
	}
	if set.Push != nil && cfg.PushEnabled && prefs.PushOptIn && len(prefs.PushTokens) > 0 {
		out = append(out, notification.ChannelPush)
	}
	if set.SMS != nil && cfg.SMSEnabled && prefs.SMSOptIn && prefs.Phone != "" && p.AtLeast(notification.PriorityHigh) {
		out = append(out, notification.ChannelSMS)
	}
	return out
}

// Deliver sends c to recipient on every eligible channel. Errors are
// classified into the Result; nothing is returned to the caller as an error.
func (d *Dispatcher) Deliver(ctx context.Context, recipient string, c content.Content, p notification.Priority) Result {
	d.mu.RLock()
	cfg, now := d.cfg, d.now
	d.mu.RUnlock()

	log := d.log.With(logx.String("recipient", recipient))
	prefs, err := d.prefs.GetRecipientPreferences(ctx, recipient)
	if err != nil {
		log.Warn("preference lookup failed; in-app only", logx.Err(err))
		prefs = entity.Preferences{UserID: recipient}
	}

	kind, _ := c.Data["kind"].(string)
	payload := transport.Payload{Kind: notification.Kind(kind), Title: c.Title, Message: c.Message, Data: c.Data, Priority: p}

	res := Result{Failed: map[notification.Channel]error{}}
	for _, ch := range plan(cfg, d.set, prefs, p) {
		err := d.attempt(ctx, cfg, ch, recipient, prefs, payload, now)
		out := notification.Outcome{Channel: ch, Attempted: true, Delivered: err == nil, At: now()}
		if err != nil {
			out.Error = err.Error()
			out.Permanent = transport.IsPermanent(err)
			res.Failed[ch] = err
			log.Debug("channel attempt failed", logx.String("channel", string(ch)), logx.Bool("permanent", out.Permanent), logx.Err(err))
		} else {
			res.Succeeded = append(res.Succeeded, ch)
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	return res
}

func (d *Dispatcher) attempt(ctx context.Context, cfg Config, ch notification.Channel, recipient string, prefs entity.Preferences, p transport.Payload, now func() time.Time) error {
	d.mu.RLock()
	lim, br := d.limiters[ch], d.breakers[ch]
	d.mu.RUnlock()
	cnt := d.counters[ch]

	if ok, until := br.allow(now()); !ok {
		cnt.rejected.Add(1)
		return transport.WrapTransient(fmt.Errorf("%w until %s", ErrCircuitOpen, until.UTC().Format(time.RFC3339)))
	}

	callCtx := ctx
	if cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cfg.AttemptTimeout)
		defer cancel()
	}
	if lim != nil {
		if err := lim.Wait(callCtx); err != nil {
			cnt.rejected.Add(1)
			return transport.WrapTransient(fmt.Errorf("rate limit: %w", err))
		}
	}

	var err error
	switch ch {
	case notification.ChannelInApp:
		_, err = d.set.InApp.CreateInApp(callCtx, recipient, p)
	case notification.ChannelEmail:
		err = d.set.Email.SendEmail(callCtx, prefs.Email, p.Title, p.Message)
	case notification.ChannelPush:
		err = d.set.Push.SendPush(callCtx, recipient, prefs.PushTokens, p)
	case notification.ChannelSMS:
		err = d.set.SMS.SendSMS(callCtx, prefs.Phone, smsText(p))
	default:
		err = transport.WrapPermanent(fmt.Errorf("unknown channel %q", ch))
	}

	// a permanent error is about this recipient, not the provider
	br.record(now(), err != nil && !transport.IsPermanent(err))
	if err != nil {
		cnt.failed.Add(1)
		return err
	}
	cnt.sent.Add(1)
	return nil
}

func smsText(p transport.Payload) string {
	if p.Message == "" {
		return p.Title
	}
	return p.Title + ": " + p.Message
}

// Stats returns the per-channel counters and breaker state.
func (d *Dispatcher) Stats() map[notification.Channel]ChannelStats {
	d.mu.RLock()
	now := d.now()
	d.mu.RUnlock()
	out := make(map[notification.Channel]ChannelStats, len(notification.Channels))
	for _, ch := range notification.Channels {
		c := d.counters[ch]
		open, until := d.breakers[ch].state(now)
		out[ch] = ChannelStats{
			Sent:        c.sent.Load(),
			Failed:      c.failed.Load(),
			Rejected:    c.rejected.Load(),
			BreakerOpen: open,
			OpenUntil:   until,
		}
	}
	return out
}

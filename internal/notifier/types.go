package notifier

import (
	"fmt"
	"time"

	"herald/internal/config"
	"herald/internal/notification"
)

// Config controls delivery. The zero value sends in-app and email only,
// without throttling.
type Config struct {
	PushEnabled    bool
	SMSEnabled     bool
	AttemptTimeout time.Duration
	Rates          map[notification.Channel]Rate
	Breaker        BreakerConfig
}

// Rate is a per-channel token bucket. PerSec <= 0 disables the limit.
type Rate struct {
	PerSec float64
	Burst  int
}

// ConfigFrom converts the dispatch section of the file config.
func ConfigFrom(c config.DispatchConfig) (Config, error) {
	timeout, err := config.ParseDurationOrDefault("dispatch.attempt_timeout", c.AttemptTimeout, 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cooldown, err := config.ParseDurationOrDefault("dispatch.breaker.cooldown", c.Breaker.Cooldown, time.Minute)
	if err != nil {
		return Config{}, err
	}
	out := Config{
		PushEnabled:    c.PushEnabled,
		SMSEnabled:     c.SMSEnabled,
		AttemptTimeout: timeout,
		Rates:          map[notification.Channel]Rate{},
		Breaker:        BreakerConfig{FailureThreshold: c.Breaker.FailureThreshold, Cooldown: cooldown},
	}
	for name, r := range c.Rates {
		ch := notification.Channel(name)
		if !ch.Valid() {
			return Config{}, fmt.Errorf("dispatch.rates: unknown channel %q", name)
		}
		out.Rates[ch] = Rate{PerSec: r.PerSec, Burst: r.Burst}
	}
	return out, nil
}

// Result is the outcome of one Deliver call.
type Result struct {
	Succeeded []notification.Channel
	Failed    map[notification.Channel]error
	Outcomes  []notification.Outcome
}

// Delivered reports whether at least one channel succeeded.
func (r Result) Delivered() bool { return len(r.Succeeded) > 0 }

// Attempted reports whether any channel was tried at all.
func (r Result) Attempted() bool { return len(r.Outcomes) > 0 }

// PermanentOnly reports whether every attempted channel failed permanently.
func (r Result) PermanentOnly() bool {
	if len(r.Succeeded) > 0 || len(r.Outcomes) == 0 {
		return false
	}
	for _, o := range r.Outcomes {
		if !o.Permanent {
			return false
		}
	}
	return true
}

// LastError joins the channel errors into one line, in precedence order.
func (r Result) LastError() string {
	msg := ""
	for _, o := range r.Outcomes {
		if o.Error == "" {
			continue
		}
		if msg != "" {
			msg += "; "
		}
		msg += string(o.Channel) + ": " + o.Error
	}
	return msg
}

// ChannelStats are the per-channel counters shown by the admin API.
type ChannelStats struct {
	Sent        uint64    `json:"sent"`
	Failed      uint64    `json:"failed"`
	Rejected    uint64    `json:"rejected"`
	BreakerOpen bool      `json:"breaker_open"`
	OpenUntil   time.Time `json:"open_until,omitzero"`
}

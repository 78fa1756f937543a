package notifier

import (
	"sync"
	"time"
)

// BreakerConfig: FailureThreshold consecutive transient failures open the
// breaker for Cooldown; each further failure while tripped doubles it, up to
// 16x. FailureThreshold < 0 disables the breaker.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
	return c
}

// breaker is one channel's consecutive-failure circuit.
type breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg.withDefaults()}
}

func (b *breaker) setConfig(cfg BreakerConfig) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

// allow reports whether an attempt may go out at now. Once the cooldown has
// passed one trial attempt is let through; its result decides the next state.
func (b *breaker) allow(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.FailureThreshold < 0 {
		return true, time.Time{}
	}
	// a quiet period longer than the longest cooldown forgets old failures
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > 16*b.cfg.Cooldown {
		b.fails = 0
		b.openUntil = time.Time{}
	}
	if now.Before(b.openUntil) {
		return false, b.openUntil
	}
	return true, time.Time{}
}

func (b *breaker) record(now time.Time, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.FailureThreshold < 0 {
		return
	}
	if !failed {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}
	b.fails++
	b.lastFailure = now
	if b.fails < b.cfg.FailureThreshold {
		return
	}
	d := b.cfg.Cooldown
	for i := b.cfg.FailureThreshold; i < b.fails && d < 16*b.cfg.Cooldown; i++ {
		d *= 2
	}
	b.openUntil = now.Add(min(d, 16*b.cfg.Cooldown))
}

func (b *breaker) state(now time.Time) (open bool, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

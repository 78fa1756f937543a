// Package retry owns the record state machine after a dispatch attempt:
// backoff scheduling, the permanent-failure terminal state, cancellation and
// the periodic sweep that re-dispatches due and stranded records.
package retry

import (
	"errors"
	"time"

	"herald/internal/config"
	"herald/internal/notification"
	"herald/internal/notifier"
)

// ErrTerminal is returned by every mutation of a sent, failed_permanent or
// cancelled record.
var ErrTerminal = errors.New("retry: record is terminal")

// Policy is exponential backoff: Delay(n) = Base * 2^n, capped at Max.
type Policy struct {
	Base       time.Duration
	MaxRetries int
	Max        time.Duration
}

func (p Policy) Delay(n int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	limit := p.Max
	if limit <= 0 {
		limit = 24 * time.Hour
	}
	d := p.Base
	for range max(n, 0) {
		if d >= limit {
			break
		}
		d *= 2
	}
	return min(d, limit)
}

// PolicyFrom converts the retry section of the file config.
func PolicyFrom(c config.RetryConfig) (Policy, error) {
	base, err := config.ParseDurationOrDefault("retry.backoff_base", c.BackoffBase, 5*time.Minute)
	if err != nil {
		return Policy{}, err
	}
	maxD, err := config.ParseDurationOrDefault("retry.max_backoff", c.MaxBackoff, 24*time.Hour)
	if err != nil {
		return Policy{}, err
	}
	return Policy{Base: base, MaxRetries: c.Retries(), Max: maxD}, nil
}

func transition(rec *notification.Record, to notification.State) error {
	if rec.State.Terminal() {
		return ErrTerminal
	}
	if !notification.CanTransition(rec.State, to) {
		return &notification.TransitionError{From: rec.State, To: to}
	}
	rec.State = to
	return nil
}

// Apply folds one dispatch result into rec at now:
//   - at least one channel delivered: sent
//   - every attempted channel failed permanently: failed_permanent, the
//     retry budget untouched
//   - retries left: retry_scheduled at now + Delay(RetryCount)
//   - otherwise failed_permanent
//
// The outcomes are appended to rec.Deliveries.
func (p Policy) Apply(rec *notification.Record, res notifier.Result, now time.Time) error {
	if rec.State.Terminal() {
		return ErrTerminal
	}
	rec.Deliveries = append(rec.Deliveries, res.Outcomes...)
	rec.UpdatedAt = now

	if res.Delivered() {
		rec.LastError = ""
		rec.NextRetryAt = time.Time{}
		return transition(rec, notification.StateSent)
	}

	rec.LastError = res.LastError()
	if !res.Attempted() {
		rec.LastError = "no channel available"
	}
	if err := transition(rec, notification.StateFailed); err != nil {
		return err
	}
	if res.PermanentOnly() || rec.RetryCount >= p.MaxRetries {
		rec.NextRetryAt = time.Time{}
		return transition(rec, notification.StateFailedPermanent)
	}
	rec.NextRetryAt = now.Add(p.Delay(rec.RetryCount))
	rec.RetryCount++
	return transition(rec, notification.StateRetryScheduled)
}

// Cancel moves a non-terminal record to cancelled.
func Cancel(rec *notification.Record, now time.Time) error {
	if err := transition(rec, notification.StateCancelled); err != nil {
		return err
	}
	rec.NextRetryAt = time.Time{}
	rec.UpdatedAt = now
	return nil
}

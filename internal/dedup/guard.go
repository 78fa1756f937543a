// Package dedup keeps a notification key from being recorded twice. The
// record store's unique index is the backstop; the guard adds a cheap
// lookup and a short claim so overlapping evaluations do not race to it.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"herald/internal/notification"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// Claimer takes short-lived exclusive claims on keys.
type Claimer interface {
	// Claim returns false when another holder owns key.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Guard struct {
	records storage.RecordStore
	claims  Claimer
	ttl     time.Duration
	log     logx.Logger
}

func New(records storage.RecordStore, claims Claimer, ttl time.Duration, log logx.Logger) *Guard {
	if claims == nil {
		claims = NewMemoryClaimer()
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Guard{records: records, claims: claims, ttl: ttl, log: log.With(logx.String("comp", "dedup"))}
}

// AlreadyHandled reports whether a record for key is sent or waiting for a
// retry.
func (g *Guard) AlreadyHandled(ctx context.Context, key notification.Key) (bool, error) {
	rec, err := g.records.FindRecord(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find record: %w", err)
	}
	return rec.State.Handled(), nil
}

// Admit decides whether the caller may create a record for key. On true the
// caller holds a claim and must call Release once the record is persisted
// (or creation failed).
func (g *Guard) Admit(ctx context.Context, key notification.Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	handled, err := g.AlreadyHandled(ctx, key)
	if err != nil || handled {
		return false, err
	}
	ok, err := g.claims.Claim(ctx, key.String(), g.ttl)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !ok {
		g.log.Debug("key claimed elsewhere", logx.String("key", key.String()))
	}
	return ok, nil
}

func (g *Guard) Release(ctx context.Context, key notification.Key) {
	if err := g.claims.Release(ctx, key.String()); err != nil {
		// the claim expires on its own
		g.log.Warn("release claim failed", logx.String("key", key.String()), logx.Err(err))
	}
}

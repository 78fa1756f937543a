// Package waitlist promotes waiting registrants, in join order, when a
// capacity-bound entity frees a slot.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"herald/internal/entity"
	"herald/internal/eventbus"
	"herald/internal/notification"
	logx "herald/pkg/logx"
)

// Announcer tells a promoted recipient about their new slot.
type Announcer interface {
	AnnouncePromotion(ctx context.Context, e notification.WaitlistEntry) error
}

type Promotion struct {
	Entry    notification.WaitlistEntry `json:"entry"`
	Notified bool                       `json:"notified"`
	Error    string                     `json:"error,omitempty"`
}

type Promoter struct {
	store    entity.Store
	announce Announcer
	bus      eventbus.Bus
	log      logx.Logger

	mu  sync.Mutex
	now func() time.Time

	// one promotion pass per parent at a time
	locks sync.Map
}

func New(store entity.Store, announce Announcer, bus eventbus.Bus, log logx.Logger) *Promoter {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Promoter{store: store, announce: announce, bus: bus, log: log.With(logx.String("comp", "waitlist")), now: time.Now}
}

func (p *Promoter) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

func (p *Promoter) clock() time.Time {
	p.mu.Lock()
	now := p.now
	p.mu.Unlock()
	return now()
}

func (p *Promoter) lock(parentID string) func() {
	v, _ := p.locks.LoadOrStore(parentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Promote fills the free slots of parentID from its waitlist. Entries are
// taken by join time (ties by position); only auto-promote entries that have
// not expired qualify. An entry that loses a capacity race is skipped.
func (p *Promoter) Promote(ctx context.Context, parentID string) ([]Promotion, error) {
	defer p.lock(parentID)()

	capy, err := p.store.GetCapacity(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("capacity of %s: %w", parentID, err)
	}
	slots := capy.Available()
	if slots == 0 {
		return nil, nil
	}
	entries, err := p.store.WaitlistEntries(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("waitlist of %s: %w", parentID, err)
	}

	now := p.clock()
	eligible := entries[:0]
	for _, e := range entries {
		if e.Eligible(now) {
			eligible = append(eligible, e)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if !eligible[i].JoinedAt.Equal(eligible[j].JoinedAt) {
			return eligible[i].JoinedAt.Before(eligible[j].JoinedAt)
		}
		return eligible[i].Position < eligible[j].Position
	})

	log := p.log.With(logx.String("parent", parentID))
	var out []Promotion
	for _, e := range eligible {
		if len(out) == slots || ctx.Err() != nil {
			break
		}
		if err := p.store.PromoteEntry(ctx, parentID, e.ID); err != nil {
			if errors.Is(err, entity.ErrCapacityConflict) {
				log.Debug("promotion lost a capacity race", logx.String("entry", e.ID))
			} else {
				log.Warn("promote entry failed", logx.String("entry", e.ID), logx.Err(err))
			}
			continue
		}
		e.Status = notification.WaitlistConfirmed
		pr := Promotion{Entry: e}
		if p.announce != nil {
			if err := p.announce.AnnouncePromotion(ctx, e); err != nil {
				pr.Error = err.Error()
				log.Warn("promotion notice failed", logx.String("entry", e.ID), logx.Err(err))
			} else {
				pr.Notified = true
			}
		}
		log.Info("waitlist entry promoted", logx.String("entry", e.ID), logx.String("recipient", e.Recipient), logx.Int("position", e.Position))
		p.bus.Publish(eventbus.Event{Type: eventbus.WaitlistPromoted, Time: now, Data: pr})
		out = append(out, pr)
	}
	return out, nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"herald/internal/notification"
	"herald/internal/retry"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// Notify creates and dispatches a record for req. When the key is already
// handled it returns the existing record (if readable) with ErrAlreadyHandled.
func (p *Pipeline) Notify(ctx context.Context, req Request) (*notification.Record, error) {
	key := req.Key()
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q", req.Priority)
	}
	_, _, clock := p.settings()
	rec, res, err := p.create(ctx, req, clock())
	if err != nil {
		return rec, err
	}
	if res == resultSkipped {
		existing, ferr := p.store.FindRecord(ctx, key)
		if ferr != nil {
			existing = nil
		}
		return existing, ErrAlreadyHandled
	}
	return rec, nil
}

// AnnouncePromotion notifies the recipient of a promoted waitlist entry. The
// entry id is the occurrence key, so a repeated promotion pass is harmless.
func (p *Pipeline) AnnouncePromotion(ctx context.Context, e notification.WaitlistEntry) error {
	_, err := p.Notify(ctx, Request{
		Recipient:     e.Recipient,
		RelatedEntity: e.ParentID,
		Kind:          notification.KindWaitlistPromoted,
		OccurrenceKey: e.ID,
		Priority:      notification.PriorityHigh,
		Data:          map[string]any{"entry_id": e.ID, "position": e.Position},
	})
	if errors.Is(err, ErrAlreadyHandled) {
		return nil
	}
	return err
}

// Redispatch delivers an existing record again under its own id. Used by the
// retry sweep for due retries and stale pending records.
func (p *Pipeline) Redispatch(ctx context.Context, rec *notification.Record, now time.Time) error {
	if rec.State.Terminal() {
		return retry.ErrTerminal
	}
	p.log.Debug("redispatching record", logx.String("record", rec.ID), logx.String("state", string(rec.State)), logx.Int("retry", rec.RetryCount))
	return p.dispatch(ctx, rec, now)
}

// Cancel moves record id to cancelled. Terminal records yield retry.ErrTerminal.
func (p *Pipeline) Cancel(ctx context.Context, id string) (*notification.Record, error) {
	rec, err := p.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.cancel(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (p *Pipeline) cancel(ctx context.Context, rec *notification.Record) error {
	_, _, clock := p.settings()
	if err := retry.Cancel(rec, clock()); err != nil {
		return err
	}
	if err := p.store.UpdateRecord(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return retry.ErrTerminal
		}
		return err
	}
	p.settled(rec)
	return nil
}

// CancelRelated cancels every open record of relatedEntity, e.g. when the
// event it points at was deleted. It returns how many were cancelled.
func (p *Pipeline) CancelRelated(ctx context.Context, relatedEntity string) (int, error) {
	if relatedEntity == "" {
		return 0, errors.New("related entity is required")
	}
	recs, err := p.store.ListRecords(ctx, storage.RecordFilter{RelatedEntity: relatedEntity})
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, rec := range recs {
		if rec.State.Terminal() {
			continue
		}
		if err := p.cancel(ctx, rec); err != nil {
			if !errors.Is(err, retry.ErrTerminal) {
				errs = append(errs, fmt.Errorf("cancel %s: %w", rec.ID, err))
			}
			continue
		}
		n++
	}
	if n > 0 {
		p.log.Info("related records cancelled", logx.String("related_entity", relatedEntity), logx.Int("count", n))
	}
	return n, errors.Join(errs...)
}

// Cleanup deletes terminal records and messages last updated more than the
// retention window before now.
func (p *Pipeline) Cleanup(ctx context.Context, now time.Time) (CleanupReport, error) {
	cfg, _, _ := p.settings()
	rep := CleanupReport{Before: now.Add(-time.Duration(cfg.RetentionDays) * 24 * time.Hour)}
	n, err := p.store.DeleteTerminalRecords(ctx, rep.Before)
	if err != nil {
		return rep, fmt.Errorf("delete records: %w", err)
	}
	rep.Records = n
	n, err = p.store.DeleteTerminalMessages(ctx, rep.Before)
	if err != nil {
		return rep, fmt.Errorf("delete messages: %w", err)
	}
	rep.Messages = n
	if rep.Records+rep.Messages > 0 {
		p.log.Info("retention cleanup", logx.Time("before", rep.Before), logx.Int("records", rep.Records), logx.Int("messages", rep.Messages))
	}
	return rep, nil
}

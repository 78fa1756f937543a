package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"herald/internal/content"
	"herald/internal/eventbus"
	"herald/internal/evaluator"
	"herald/internal/notification"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

func newRecordID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// result of pushing one key through the guard
type result int

const (
	resultSkipped result = iota
	resultSettled
)

// RunKind evaluates kind at now and pushes every candidate through the
// pipeline. Candidates are independent: one failing candidate is counted and
// logged, the rest still run. Only an evaluator error fails the whole run.
func (p *Pipeline) RunKind(ctx context.Context, kind notification.Kind, now time.Time) (TickReport, error) {
	rep := TickReport{Kind: kind}
	cands, err := p.eval.Evaluate(ctx, kind, now)
	if err != nil {
		return rep, err
	}
	rep.Candidates = len(cands)
	if len(cands) == 0 {
		return rep, nil
	}

	cfg, _, _ := p.settings()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxInFlight)
	for _, c := range cands {
		g.Go(func() error {
			rec, res, err := p.create(gctx, requestFor(c), now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				rep.Errors++
				p.log.Warn("candidate failed",
					logx.String("kind", string(kind)),
					logx.String("recipient", c.Recipient),
					logx.String("occurrence", c.OccurrenceKey),
					logx.Err(err))
			case res == resultSkipped:
				rep.Skipped++
			default:
				rep.Created++
				countState(&rep, rec.State)
			}
			return nil
		})
	}
	_ = g.Wait()

	p.log.Info("kind evaluated",
		logx.String("kind", string(kind)),
		logx.Int("candidates", rep.Candidates),
		logx.Int("created", rep.Created),
		logx.Int("skipped", rep.Skipped),
		logx.Int("sent", rep.Sent),
		logx.Int("retry_scheduled", rep.RetryScheduled),
		logx.Int("failed_permanent", rep.FailedPermanent),
		logx.Int("errors", rep.Errors))
	return rep, ctx.Err()
}

func countState(rep *TickReport, st notification.State) {
	switch st {
	case notification.StateSent:
		rep.Sent++
	case notification.StateRetryScheduled:
		rep.RetryScheduled++
	case notification.StateFailedPermanent:
		rep.FailedPermanent++
	}
}

func requestFor(c evaluator.Candidate) Request {
	prio := c.Priority
	if prio == "" {
		prio = content.PriorityForOffset(c.Offset)
	}
	return Request{
		Recipient:     c.Recipient,
		RelatedEntity: c.RelatedEntity,
		Kind:          c.Kind,
		OccurrenceKey: c.OccurrenceKey,
		Priority:      prio,
		Data:          c.Data,
	}
}

// create admits, renders, persists and dispatches one request. A key that is
// already handled, claimed elsewhere or rejected by the unique index yields
// resultSkipped.
func (p *Pipeline) create(ctx context.Context, req Request, now time.Time) (*notification.Record, result, error) {
	key := req.Key()
	ok, err := p.guard.Admit(ctx, key)
	if err != nil {
		return nil, resultSkipped, fmt.Errorf("admit: %w", err)
	}
	if !ok {
		return nil, resultSkipped, nil
	}
	defer p.guard.Release(context.WithoutCancel(ctx), key)

	prio := req.Priority
	if prio == "" {
		prio = notification.PriorityMedium
	}
	c, err := p.build.Build(key.Kind, req.Data, prio)
	if err != nil {
		return nil, resultSkipped, fmt.Errorf("render %s: %w", key.Kind, err)
	}
	id, err := p.newID()
	if err != nil {
		return nil, resultSkipped, err
	}
	rec := &notification.Record{
		ID:            id,
		Recipient:     key.Recipient,
		RelatedEntity: key.RelatedEntity,
		Kind:          key.Kind,
		OccurrenceKey: key.OccurrenceKey,
		Title:         c.Title,
		Message:       c.Message,
		Data:          c.Data,
		Priority:      prio,
		State:         notification.StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.store.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			p.log.Debug("record exists; skipped", logx.String("key", key.String()))
			return nil, resultSkipped, nil
		}
		return nil, resultSkipped, fmt.Errorf("create record: %w", err)
	}
	p.log.Info("record created",
		logx.String("record", rec.ID),
		logx.String("kind", string(rec.Kind)),
		logx.String("recipient", rec.Recipient),
		logx.String("occurrence", rec.OccurrenceKey),
		logx.String("priority", string(rec.Priority)))

	if err := p.dispatch(ctx, rec, now); err != nil {
		return rec, resultSettled, err
	}
	return rec, resultSettled, nil
}

// dispatch delivers rec, folds the result into its state and persists it.
func (p *Pipeline) dispatch(ctx context.Context, rec *notification.Record, now time.Time) error {
	_, policy, _ := p.settings()
	res := p.disp.Deliver(ctx, rec.Recipient, content.Content{Title: rec.Title, Message: rec.Message, Data: rec.Data}, rec.Priority)
	if err := policy.Apply(rec, res, now); err != nil {
		return err
	}
	if err := p.store.UpdateRecord(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// cancelled (or settled) by someone else while we were sending
			p.log.Info("record changed during dispatch", logx.String("record", rec.ID))
			return nil
		}
		return fmt.Errorf("update record: %w", err)
	}
	p.settled(rec)
	return nil
}

func (p *Pipeline) settled(rec *notification.Record) {
	log := p.log.With(logx.String("record", rec.ID), logx.String("kind", string(rec.Kind)), logx.String("recipient", rec.Recipient))
	ev := eventbus.Event{Time: rec.UpdatedAt, Data: RecordEvent{
		ID:          rec.ID,
		Kind:        rec.Kind,
		Recipient:   rec.Recipient,
		State:       rec.State,
		RetryCount:  rec.RetryCount,
		NextRetryAt: rec.NextRetryAt,
		Error:       rec.LastError,
	}}
	switch rec.State {
	case notification.StateSent:
		ev.Type = eventbus.RecordSent
		log.Info("record sent", logx.Int("retries", rec.RetryCount))
	case notification.StateRetryScheduled:
		ev.Type = eventbus.RecordRetryScheduled
		log.Info("record retry scheduled", logx.Int("retry", rec.RetryCount), logx.Time("next_retry_at", rec.NextRetryAt), logx.String("error", rec.LastError))
	case notification.StateFailedPermanent:
		ev.Type = eventbus.RecordFailedPermanent
		log.Warn("record failed permanently", logx.Int("retries", rec.RetryCount), logx.String("error", rec.LastError))
	case notification.StateCancelled:
		ev.Type = eventbus.RecordCancelled
		log.Info("record cancelled")
	default:
		return
	}
	p.bus.Publish(ev)
}

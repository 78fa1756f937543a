package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"herald/internal/eventbus"
	"herald/internal/notification"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

type DrainReport struct {
	StartedAt   time.Time     `json:"started_at"`
	Took        time.Duration `json:"took"`
	Claimed     int           `json:"claimed"`
	SubBatches  int           `json:"sub_batches"`
	Sent        int           `json:"sent"`
	Rescheduled int           `json:"rescheduled"`
	Failed      int           `json:"failed_permanent"`
	StoreErrors int           `json:"store_errors"`
}

// MessageEvent is the bus payload of outbound.* events.
type MessageEvent struct {
	ID        string               `json:"id"`
	Channel   notification.Channel `json:"channel"`
	Recipient string               `json:"recipient"`
	Attempts  int                  `json:"attempts"`
	Error     string               `json:"error,omitempty"`
}

// Drain sends the messages due at now: at most BatchSize of them, highest
// priority first, in sub-batches of SubBatchSize separated by
// InterBatchDelay. Within a sub-batch up to MaxInFlight sends run at once.
func (q *Queue) Drain(ctx context.Context, now time.Time) (DrainReport, error) {
	cfg, lim, clock := q.snapshot()
	rep := DrainReport{StartedAt: clock()}

	due, err := q.store.DueMessages(ctx, now, cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("load due messages: %w", err)
	}
	rep.Claimed = len(due)
	if len(due) == 0 {
		return rep, nil
	}

	var mu sync.Mutex
	count := func(f func(*DrainReport)) {
		mu.Lock()
		f(&rep)
		mu.Unlock()
	}

	for start := 0; start < len(due); start += cfg.SubBatchSize {
		if start > 0 && cfg.InterBatchDelay > 0 {
			if err := sleep(ctx, cfg.InterBatchDelay); err != nil {
				q.finish(&rep, clock)
				return rep, err
			}
		}
		sub := due[start:min(start+cfg.SubBatchSize, len(due))]
		rep.SubBatches++

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.MaxInFlight)
		for _, m := range sub {
			g.Go(func() error {
				q.process(gctx, cfg, lim, m, clock, count)
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			q.finish(&rep, clock)
			return rep, ctx.Err()
		}
	}
	q.finish(&rep, clock)
	return rep, nil
}

func (q *Queue) finish(rep *DrainReport, clock func() time.Time) {
	rep.Took = clock().Sub(rep.StartedAt)
	q.keepReport(*rep)
	fields := []logx.Field{
		logx.Int("claimed", rep.Claimed),
		logx.Int("sub_batches", rep.SubBatches),
		logx.Int("sent", rep.Sent),
		logx.Int("rescheduled", rep.Rescheduled),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Took),
	}
	if rep.Failed > 0 || rep.StoreErrors > 0 {
		q.log.Warn("queue drained with failures", fields...)
		return
	}
	q.log.Info("queue drained", fields...)
}

func (q *Queue) process(ctx context.Context, cfg Config, lim *rate.Limiter, m *notification.OutboundMessage, clock func() time.Time, count func(func(*DrainReport))) {
	log := q.log.With(logx.String("message", m.ID), logx.String("channel", string(m.Channel)))

	err := q.render(m)
	if err == nil && lim != nil {
		if werr := lim.Wait(ctx); werr != nil {
			// cancelled before sending; the message stays due
			return
		}
	}
	if err == nil {
		err = q.send(ctx, m)
	}

	now := clock()
	m.UpdatedAt = now
	switch {
	case err == nil:
		m.State = notification.MessageSent
		m.LastError = ""
	case transport.IsPermanent(err) || m.RetryCount >= cfg.MaxRetries:
		m.State = notification.MessageFailedPermanent
		m.LastError = err.Error()
	default:
		// rescheduled messages go back to pending; failed is never stored
		m.State = notification.MessagePending
		m.LastError = err.Error()
		m.ScheduledFor = now.Add(cfg.Backoff.Delay(m.RetryCount))
		m.RetryCount++
	}

	if uerr := q.store.UpdateMessage(ctx, m); uerr != nil {
		count(func(r *DrainReport) { r.StoreErrors++ })
		log.Error("update message failed", logx.String("state", string(m.State)), logx.Err(uerr))
		return
	}

	ev := MessageEvent{ID: m.ID, Channel: m.Channel, Recipient: m.Recipient, Attempts: m.RetryCount + 1, Error: m.LastError}
	switch m.State {
	case notification.MessageSent:
		count(func(r *DrainReport) { r.Sent++ })
		q.bus.Publish(eventbus.Event{Type: eventbus.OutboundSent, Time: now, Data: ev})
	case notification.MessageFailedPermanent:
		count(func(r *DrainReport) { r.Failed++ })
		log.Warn("message failed permanently", logx.Int("retries", m.RetryCount), logx.Err(err))
		q.bus.Publish(eventbus.Event{Type: eventbus.OutboundFailed, Time: now, Data: ev})
	default:
		count(func(r *DrainReport) { r.Rescheduled++ })
		log.Debug("message rescheduled", logx.Int("retry", m.RetryCount), logx.Time("at", m.ScheduledFor), logx.Err(err))
	}
}

// render fills Subject and Body of a template message. A template that cannot
// render will never render, so the error is permanent.
func (q *Queue) render(m *notification.OutboundMessage) error {
	if m.Body != "" || m.TemplateID == "" {
		return nil
	}
	c, err := q.builder.Build(m.TemplateID, m.Data, Tier(m.Priority))
	if err != nil {
		return transport.WrapPermanent(fmt.Errorf("render %s: %w", m.TemplateID, err))
	}
	if m.Subject == "" {
		m.Subject = c.Title
	}
	m.Body = c.Message
	return nil
}

func (q *Queue) send(ctx context.Context, m *notification.OutboundMessage) error {
	p := transport.Payload{Kind: m.TemplateID, Title: m.Subject, Message: m.Body, Data: m.Data, Priority: Tier(m.Priority)}
	switch m.Channel {
	case notification.ChannelEmail:
		if q.set.Email != nil {
			return q.set.Email.SendEmail(ctx, m.Recipient, m.Subject, m.Body)
		}
	case notification.ChannelSMS:
		if q.set.SMS != nil {
			return q.set.SMS.SendSMS(ctx, m.Recipient, m.Body)
		}
	case notification.ChannelPush:
		if q.set.Push != nil {
			// an outbound push is addressed to the device token itself
			return q.set.Push.SendPush(ctx, m.Recipient, []string{m.Recipient}, p)
		}
	case notification.ChannelInApp:
		if q.set.InApp != nil {
			_, err := q.set.InApp.CreateInApp(ctx, m.Recipient, p)
			return err
		}
	}
	return transport.WrapPermanent(fmt.Errorf("channel %s is not configured", m.Channel))
}

// Tier maps a numeric queue priority onto the notification tiers used by
// templates: 3+ urgent, 2 high, 1 medium, else low.
func Tier(p int) notification.Priority {
	switch {
	case p >= 3:
		return notification.PriorityUrgent
	case p == 2:
		return notification.PriorityHigh
	case p == 1:
		return notification.PriorityMedium
	default:
		return notification.PriorityLow
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package retry

import (
	"context"
	"sync"
	"time"

	"herald/internal/notification"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// Redispatcher delivers an existing record again, reusing its id.
type Redispatcher interface {
	Redispatch(ctx context.Context, rec *notification.Record, now time.Time) error
}

type SweepConfig struct {
	BatchSize int
	// StaleAfter is how long a record may sit in pending before the sweep
	// treats it as abandoned mid-dispatch. 0 disables recovery.
	StaleAfter time.Duration
}

type SweepReport struct {
	Due          int `json:"due"`
	Stale        int `json:"stale"`
	Redispatched int `json:"redispatched"`
	Errors       int `json:"errors"`
}

// Sweeper re-dispatches due retries and stale pending records.
type Sweeper struct {
	records storage.RecordStore
	target  Redispatcher
	log     logx.Logger

	mu  sync.Mutex
	cfg SweepConfig
}

func NewSweeper(records storage.RecordStore, target Redispatcher, cfg SweepConfig, log logx.Logger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{records: records, target: target, cfg: cfg, log: log.With(logx.String("comp", "retry"))}
}

// Sweep handles at most BatchSize records; the rest wait for the next tick.
// A failing record is logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	var rep SweepReport
	due, err := s.records.DueRetries(ctx, now, cfg.BatchSize)
	if err != nil {
		return rep, err
	}
	rep.Due = len(due)

	batch := due
	if left := cfg.BatchSize - len(due); left > 0 && cfg.StaleAfter > 0 {
		stale, err := s.records.StalePending(ctx, now.Add(-cfg.StaleAfter), left)
		if err != nil {
			s.log.Warn("stale pending lookup failed", logx.Err(err))
		} else {
			rep.Stale = len(stale)
			batch = append(batch, stale...)
		}
	}

	for _, rec := range batch {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if err := s.target.Redispatch(ctx, rec, now); err != nil {
			rep.Errors++
			s.log.Warn("redispatch failed", logx.String("record", rec.ID), logx.String("state", string(rec.State)), logx.Err(err))
			continue
		}
		rep.Redispatched++
	}
	if len(batch) > 0 {
		s.log.Info("retry sweep",
			logx.Int("due", rep.Due),
			logx.Int("stale", rep.Stale),
			logx.Int("redispatched", rep.Redispatched),
			logx.Int("errors", rep.Errors))
	}
	return rep, nil
}

func (s *Sweeper) SetConfig(cfg SweepConfig) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

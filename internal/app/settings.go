package app

import (
	"fmt"
	"strings"
	"time"

	"herald/internal/admin"
	"herald/internal/config"
	"herald/internal/evaluator"
	"herald/internal/notifier"
	"herald/internal/outbox"
	"herald/internal/pipeline"
	"herald/internal/retry"
	"herald/internal/storage"
	"herald/internal/task/engine"
	logx "herald/pkg/logx"
)

// settings is every hot-reloadable component config derived from one
// config.Config. Deriving it is also how a reload is validated.
type settings struct {
	log      logx.Config
	engine   engine.Config
	rules    []evaluator.Rule
	notifier notifier.Config
	policy   retry.Policy
	sweep    retry.SweepConfig
	queue    outbox.Config
	pipeline pipeline.Config
	claimTTL time.Duration
	admin    admin.Config
}

func settingsFrom(cfg *config.Config) (settings, error) {
	var (
		s   settings
		err error
	)
	s.log = logConfig(cfg.Logging)

	defTimeout, err := config.ParseDurationOrDefault("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, 2*time.Minute)
	if err != nil {
		return s, err
	}
	s.engine = engine.Config{
		Workers:        cfg.Scheduler.Workers,
		MaxWorkers:     cfg.Scheduler.MaxWorkers,
		QueueSize:      cfg.Scheduler.QueueSize,
		DefaultTimeout: defTimeout,
		HistorySize:    cfg.Scheduler.HistorySize,
	}

	if s.rules, err = evaluator.RulesFromConfig(cfg.Evaluator); err != nil {
		return s, err
	}
	if s.notifier, err = notifier.ConfigFrom(cfg.Dispatch); err != nil {
		return s, err
	}
	if s.policy, err = retry.PolicyFrom(cfg.Retry); err != nil {
		return s, err
	}
	stale, err := config.ParseDurationOrDefault("retry.stale_after", cfg.Retry.StaleAfter, 15*time.Minute)
	if err != nil {
		return s, err
	}
	s.sweep = retry.SweepConfig{BatchSize: cfg.Retry.BatchSize, StaleAfter: stale}
	if s.queue, err = outbox.ConfigFrom(cfg.Queue, cfg.Retry); err != nil {
		return s, err
	}
	s.pipeline = pipeline.Config{MaxInFlight: cfg.Dispatch.MaxInFlight, RetentionDays: cfg.Retention.Days}
	if s.claimTTL, err = config.ParseDurationOrDefault("dedup.claim_ttl", cfg.Dedup.ClaimTTL, 2*time.Minute); err != nil {
		return s, err
	}
	if s.admin, err = admin.ConfigFrom(cfg.Admin); err != nil {
		return s, err
	}
	return s, nil
}

func logConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    c.Alert.Enabled,
			MinLevel:   c.Alert.MinLevel,
			RatePerSec: c.Alert.RatePerSec,
		},
	}
}

func storageConfig(c config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(c.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", c.Driver)
	}
}

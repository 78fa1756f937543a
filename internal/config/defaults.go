package config

import "strings"

// knownKinds are the kinds the evaluator schedules on its own.
var knownKinds = []string{"event_reminder", "registration_deadline", "payment_due", "profile_incomplete"}

// KnownKinds returns the evaluated notification kinds in a stable order.
func KnownKinds() []string { return append([]string(nil), knownKinds...) }

var defaultOffsets = map[string][]string{
	"event_reminder":        {"1week=7d", "1day=1d", "2hours=2h", "30min=30m"},
	"registration_deadline": {"3days=3d", "1day=1d", "6hours=6h"},
	"payment_due":           {"3days=3d", "1day=1d"},
	"profile_incomplete":    nil,
}

// ApplyDefaults fills every omitted field.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	setStr := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if *dst <= 0 {
			*dst = v
		}
	}

	setStr(&cfg.Logging.Level, "info")
	setStr(&cfg.Storage.Driver, "memory")
	setStr(&cfg.Storage.BusyTimeout, "5s")
	setStr(&cfg.Scheduler.DefaultTimeout, "2m")
	setInt(&cfg.Scheduler.HistorySize, 50)
	setInt(&cfg.Scheduler.Workers, 4)
	setInt(&cfg.Scheduler.QueueSize, 64)

	setStr(&cfg.Evaluator.Tolerance, "10m")
	if cfg.Evaluator.Kinds == nil {
		cfg.Evaluator.Kinds = map[string]KindConfig{}
	}
	for _, kind := range knownKinds {
		kc := cfg.Evaluator.Kinds[kind]
		if len(kc.Offsets) == 0 && len(defaultOffsets[kind]) > 0 {
			kc.Offsets = append([]string(nil), defaultOffsets[kind]...)
		}
		cfg.Evaluator.Kinds[kind] = kc
	}

	setInt(&cfg.Queue.BatchSize, 100)
	setInt(&cfg.Queue.SubBatchSize, 10)
	setStr(&cfg.Queue.InterBatchDelay, "1s")
	setInt(&cfg.Queue.MaxInFlight, 10)

	setIntPtr(&cfg.Retry.MaxRetries, DefaultMaxRetries)
	setStr(&cfg.Retry.BackoffBase, "5m")
	setStr(&cfg.Retry.MaxBackoff, "24h")
	setStr(&cfg.Retry.StaleAfter, "15m")
	setInt(&cfg.Retry.BatchSize, cfg.Queue.BatchSize)
	setIntPtr(&cfg.Queue.MaxRetries, *cfg.Retry.MaxRetries)

	setInt(&cfg.Dispatch.MaxInFlight, min(cfg.Queue.BatchSize, 16))
	setStr(&cfg.Dispatch.AttemptTimeout, "30s")
	setInt(&cfg.Dispatch.Breaker.FailureThreshold, 5)
	setStr(&cfg.Dispatch.Breaker.Cooldown, "1m")

	setInt(&cfg.Retention.Days, 30)

	setStr(&cfg.Dedup.Backend, "memory")
	setStr(&cfg.Dedup.ClaimTTL, "2m")
	setStr(&cfg.Dedup.Redis.Prefix, "herald:claim:")

	setStr(&cfg.Channels.Email.Driver, "log")
	setStr(&cfg.Channels.Push.Driver, "log")
	setStr(&cfg.Channels.SMS.Driver, "log")
	setInt(&cfg.Channels.Email.SMTP.Port, 587)

	setStr(&cfg.Admin.Addr, "127.0.0.1:8085")
	setStr(&cfg.Admin.ReadTimeout, "10s")
	setStr(&cfg.Admin.WriteTimeout, "30s")
}

// TaskSchedule returns the configured schedule for a task or def.
func (s SchedulerConfig) TaskSchedule(name, def string) string {
	if tc, ok := s.Tasks[name]; ok && strings.TrimSpace(tc.Schedule) != "" {
		return strings.TrimSpace(tc.Schedule)
	}
	return def
}

// TaskEnabled reports whether a task has not been disabled.
func (s SchedulerConfig) TaskEnabled(name string) bool {
	return !s.Tasks[name].Disabled
}

// DefaultMaxRetries applies when retry.max_retries is omitted.
const DefaultMaxRetries = 3

func setIntPtr(dst **int, v int) {
	if *dst == nil {
		*dst = &v
	}
}

// Retries returns max_retries, or DefaultMaxRetries when it was omitted.
func (c RetryConfig) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// Retries returns the queue's max_retries, falling back to the retry section.
func (c QueueConfig) Retries(r RetryConfig) int {
	if c.MaxRetries == nil {
		return r.Retries()
	}
	return *c.MaxRetries
}

// KindEnabled reports whether kind is evaluated; kinds default to enabled.
func (e EvaluatorConfig) KindEnabled(kind string) bool {
	kc, ok := e.Kinds[kind]
	if !ok || kc.Enabled == nil {
		return true
	}
	return *kc.Enabled
}

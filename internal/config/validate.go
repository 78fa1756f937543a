package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate checks cfg after defaults are applied. Every problem is reported,
// joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	fail := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string, positive bool) {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		if positive && d <= 0 {
			fail("%s: must be > 0", path)
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		fail("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		fail("logging.file.path: required when file logging is enabled")
	}

	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			fail("storage.path: required for driver %q", cfg.Storage.Driver)
		}
	default:
		fail("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout, false)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			fail("scheduler.timezone: %v", err)
		}
	}
	dur("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, false)
	for name, tc := range cfg.Scheduler.Tasks {
		dur("scheduler.tasks."+name+".timeout", tc.Timeout, false)
	}

	dur("evaluator.tolerance", cfg.Evaluator.Tolerance, true)
	for kind, kc := range cfg.Evaluator.Kinds {
		if _, err := ParseOffsets("evaluator.kinds."+kind+".offsets", kc.Offsets); err != nil {
			errs = append(errs, err)
		}
		switch kc.Priority {
		case "", "low", "medium", "high", "urgent":
		default:
			fail("evaluator.kinds.%s.priority: unknown priority %q", kind, kc.Priority)
		}
	}

	if cfg.Queue.BatchSize <= 0 {
		fail("queue.batch_size: must be > 0")
	}
	if cfg.Queue.SubBatchSize <= 0 {
		fail("queue.sub_batch_size: must be > 0")
	}
	if cfg.Queue.RatePerSec < 0 {
		fail("queue.rate_per_sec: must be >= 0")
	}
	dur("queue.inter_batch_delay", cfg.Queue.InterBatchDelay, false)

	if cfg.Retry.MaxRetries != nil && *cfg.Retry.MaxRetries < 0 {
		fail("retry.max_retries: must be >= 0")
	}
	if cfg.Queue.MaxRetries != nil && *cfg.Queue.MaxRetries < 0 {
		fail("queue.max_retries: must be >= 0")
	}
	dur("retry.backoff_base", cfg.Retry.BackoffBase, true)
	dur("retry.max_backoff", cfg.Retry.MaxBackoff, false)
	dur("retry.stale_after", cfg.Retry.StaleAfter, false)

	dur("dispatch.attempt_timeout", cfg.Dispatch.AttemptTimeout, false)
	dur("dispatch.breaker.cooldown", cfg.Dispatch.Breaker.Cooldown, false)
	for ch, rc := range cfg.Dispatch.Rates {
		switch ch {
		case "in_app", "email", "push", "sms":
		default:
			fail("dispatch.rates: unknown channel %q", ch)
		}
		if rc.PerSec < 0 || rc.Burst < 0 {
			fail("dispatch.rates.%s: must be >= 0", ch)
		}
	}

	if cfg.Retention.Days < 1 {
		fail("retention.days: must be >= 1")
	}

	switch cfg.Dedup.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.Dedup.Redis.Addr) == "" {
			fail("dedup.redis.addr: required for backend redis")
		}
	default:
		fail("dedup.backend: unknown backend %q", cfg.Dedup.Backend)
	}
	dur("dedup.claim_ttl", cfg.Dedup.ClaimTTL, true)

	switch cfg.Channels.Email.Driver {
	case "log", "none":
	case "smtp":
		s := cfg.Channels.Email.SMTP
		if strings.TrimSpace(s.Host) == "" || strings.TrimSpace(s.From) == "" {
			fail("channels.email.smtp: host and from are required")
		}
		dur("channels.email.smtp.timeout", s.Timeout, false)
	default:
		fail("channels.email.driver: unknown driver %q", cfg.Channels.Email.Driver)
	}
	switch cfg.Channels.Push.Driver {
	case "log", "none":
	case "telegram":
		if strings.TrimSpace(cfg.Channels.Push.Telegram.Token) == "" {
			fail("channels.push.telegram.token: required")
		}
		dur("channels.push.telegram.timeout", cfg.Channels.Push.Telegram.Timeout, false)
	default:
		fail("channels.push.driver: unknown driver %q", cfg.Channels.Push.Driver)
	}
	switch cfg.Channels.SMS.Driver {
	case "log", "none":
	case "webhook":
		if strings.TrimSpace(cfg.Channels.SMS.Webhook.URL) == "" {
			fail("channels.sms.webhook.url: required")
		}
		dur("channels.sms.webhook.timeout", cfg.Channels.SMS.Webhook.Timeout, false)
	default:
		fail("channels.sms.driver: unknown driver %q", cfg.Channels.SMS.Driver)
	}

	if cfg.Admin.Enabled {
		dur("admin.read_timeout", cfg.Admin.ReadTimeout, false)
		dur("admin.write_timeout", cfg.Admin.WriteTimeout, false)
		if strings.TrimSpace(cfg.Admin.JWTSecret) == "" && !cfg.Admin.AllowInsecure && !IsLoopbackAddr(cfg.Admin.Addr) {
			fail("admin: refusing to listen on %q without jwt_secret (set allow_insecure to override)", cfg.Admin.Addr)
		}
	}

	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether a listen address only accepts local
// connections. An empty host (":8085") listens everywhere.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "HERALD_"

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are skipped; variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays HERALD_* variables onto cfg. Empty variables are ignored.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if cfg == nil || getenv == nil {
		return nil
	}
	o := envOverlay{getenv: getenv}

	o.str("LOG_LEVEL", &cfg.Logging.Level)
	o.str("STORAGE_DRIVER", &cfg.Storage.Driver)
	o.str("STORAGE_PATH", &cfg.Storage.Path)

	o.int("BATCH_SIZE", &cfg.Queue.BatchSize)
	o.int("SUB_BATCH_SIZE", &cfg.Queue.SubBatchSize)
	o.str("INTER_BATCH_DELAY", &cfg.Queue.InterBatchDelay)

	o.intPtr("MAX_RETRIES", &cfg.Retry.MaxRetries)
	o.str("BACKOFF_BASE", &cfg.Retry.BackoffBase)

	o.bool("SMS_ENABLED", &cfg.Dispatch.SMSEnabled)
	o.bool("PUSH_ENABLED", &cfg.Dispatch.PushEnabled)
	o.int("MAX_IN_FLIGHT", &cfg.Dispatch.MaxInFlight)

	o.int("RETENTION_DAYS", &cfg.Retention.Days)
	o.str("TOLERANCE", &cfg.Evaluator.Tolerance)

	o.str("DEDUP_BACKEND", &cfg.Dedup.Backend)
	o.str("REDIS_ADDR", &cfg.Dedup.Redis.Addr)
	o.str("REDIS_PASSWORD", &cfg.Dedup.Redis.Password)

	o.str("TELEGRAM_TOKEN", &cfg.Channels.Push.Telegram.Token)
	o.str("SMTP_PASSWORD", &cfg.Channels.Email.SMTP.Password)
	o.str("SMS_WEBHOOK_TOKEN", &cfg.Channels.SMS.Webhook.Token)
	o.str("ADMIN_JWT_SECRET", &cfg.Admin.JWTSecret)
	o.str("ENTITY_FIXTURES", &cfg.Entities.Fixtures)

	for _, kind := range knownKinds {
		name := "OFFSETS_" + strings.ToUpper(kind)
		raw := strings.TrimSpace(getenv(envPrefix + name))
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if cfg.Evaluator.Kinds == nil {
			cfg.Evaluator.Kinds = map[string]KindConfig{}
		}
		kc := cfg.Evaluator.Kinds[kind]
		kc.Offsets = parts
		cfg.Evaluator.Kinds[kind] = kc
	}
	return o.err
}

type envOverlay struct {
	getenv func(string) string
	err    error
}

func (o *envOverlay) lookup(name string) (string, bool) {
	if o.err != nil {
		return "", false
	}
	v := strings.TrimSpace(o.getenv(envPrefix + name))
	return v, v != ""
}

func (o *envOverlay) str(name string, dst *string) {
	if v, ok := o.lookup(name); ok {
		*dst = v
	}
}

func (o *envOverlay) int(name string, dst *int) {
	v, ok := o.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		o.err = fmt.Errorf("%s%s: invalid integer %q", envPrefix, name, v)
		return
	}
	*dst = n
}

func (o *envOverlay) intPtr(name string, dst **int) {
	if _, ok := o.lookup(name); !ok {
		return
	}
	var n int
	o.int(name, &n)
	if o.err == nil {
		*dst = &n
	}
}

func (o *envOverlay) bool(name string, dst *bool) {
	v, ok := o.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		o.err = fmt.Errorf("%s%s: invalid boolean %q", envPrefix, name, v)
		return
	}
	*dst = b
}

package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "herald/pkg/logx"
)

// Change summarizes what moved between two configs.
type Change struct {
	// Sections lists changed top-level sections in file order.
	Sections []string
	// Attrs are log-safe fields describing the new values; secrets are
	// reduced to "is set" booleans.
	Attrs []logx.Field
	// Kinds lists evaluator kinds whose rule changed.
	Kinds []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

// Diff compares oldCfg and newCfg section by section. A nil config compares
// as the zero Config.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(name string, changed bool, attrs ...logx.Field) {
		if !changed {
			return
		}
		c.Sections = append(c.Sections, name)
		c.Attrs = append(c.Attrs, attrs...)
	}

	mark("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
	)
	mark("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.String("storage.path", newCfg.Storage.Path),
	)
	mark("scheduler", !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler),
		logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
		logx.Int("scheduler.task_overrides", len(newCfg.Scheduler.Tasks)),
	)

	c.Kinds = diffKinds(oldCfg.Evaluator.Kinds, newCfg.Evaluator.Kinds)
	mark("evaluator", oldCfg.Evaluator.Tolerance != newCfg.Evaluator.Tolerance || len(c.Kinds) > 0,
		logx.String("evaluator.tolerance", newCfg.Evaluator.Tolerance),
		logx.Strings("evaluator.kinds_changed", c.Kinds),
	)
	mark("dispatch", !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch),
		logx.Int("dispatch.max_in_flight", newCfg.Dispatch.MaxInFlight),
		logx.Bool("dispatch.sms_enabled", newCfg.Dispatch.SMSEnabled),
		logx.Bool("dispatch.push_enabled", newCfg.Dispatch.PushEnabled),
	)
	mark("retry", !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry),
		logx.Int("retry.max_retries", newCfg.Retry.Retries()),
		logx.String("retry.backoff_base", newCfg.Retry.BackoffBase),
	)
	mark("queue", !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue),
		logx.Int("queue.batch_size", newCfg.Queue.BatchSize),
		logx.Int("queue.sub_batch_size", newCfg.Queue.SubBatchSize),
		logx.String("queue.inter_batch_delay", newCfg.Queue.InterBatchDelay),
	)
	mark("retention", oldCfg.Retention != newCfg.Retention,
		logx.Int("retention.days", newCfg.Retention.Days),
	)
	mark("dedup", oldCfg.Dedup != newCfg.Dedup,
		logx.String("dedup.backend", newCfg.Dedup.Backend),
		logx.Bool("dedup.redis_password_set", strings.TrimSpace(newCfg.Dedup.Redis.Password) != ""),
	)
	mark("channels", oldCfg.Channels != newCfg.Channels,
		logx.String("channels.email", newCfg.Channels.Email.Driver),
		logx.String("channels.push", newCfg.Channels.Push.Driver),
		logx.String("channels.sms", newCfg.Channels.SMS.Driver),
		logx.Bool("channels.telegram_token_set", strings.TrimSpace(newCfg.Channels.Push.Telegram.Token) != ""),
	)
	mark("entities", oldCfg.Entities != newCfg.Entities,
		logx.String("entities.fixtures", newCfg.Entities.Fixtures),
	)
	mark("admin", oldCfg.Admin != newCfg.Admin,
		logx.Bool("admin.enabled", newCfg.Admin.Enabled),
		logx.String("admin.addr", newCfg.Admin.Addr),
		logx.Bool("admin.jwt_secret_set", strings.TrimSpace(newCfg.Admin.JWTSecret) != ""),
		logx.Bool("admin.pprof", newCfg.Admin.Pprof),
	)
	if len(c.Sections) > 0 {
		c.Attrs = append(c.Attrs, logx.Strings("changed", c.Sections))
	}
	return c
}

func diffKinds(oldM, newM map[string]KindConfig) []string {
	var out []string
	for k, nv := range newM {
		if ov, ok := oldM[k]; !ok || !reflect.DeepEqual(ov, nv) {
			out = append(out, k)
		}
	}
	for k := range oldM {
		if _, ok := newM[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

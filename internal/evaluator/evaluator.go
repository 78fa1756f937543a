// Package evaluator turns per-kind offset rules into time windows and asks
// the entity store which recipients fall inside them.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"herald/internal/config"
	"herald/internal/entity"
	"herald/internal/notification"
	logx "herald/pkg/logx"
)

var ErrUnknownKind = errors.New("evaluator: no rule for kind")

// Offset is how long before the target timestamp a notification fires.
type Offset struct {
	Label  string
	Before time.Duration
}

// Rule drives one kind. A rule without offsets evaluates a single window
// centred on now; the store then supplies the occurrence key.
type Rule struct {
	Kind      notification.Kind
	Offsets   []Offset
	Tolerance time.Duration
	Filters   entity.Filters
	// Priority overrides the tier derived from the offset when set.
	Priority notification.Priority
}

// Window returns the target-timestamp range that matches offset o at now.
func (r Rule) Window(o Offset, now time.Time) entity.Window {
	at := now.Add(o.Before)
	return entity.Window{Start: at.Add(-r.Tolerance), End: at.Add(r.Tolerance)}
}

// Candidate is a store candidate stamped with the rule that matched it.
type Candidate struct {
	entity.Candidate
	Kind        notification.Kind
	Offset      time.Duration
	OffsetLabel string
	// Priority is the rule override, empty when the tier comes from Offset.
	Priority notification.Priority
}

// Key is the four-tuple the candidate would be recorded under.
func (c Candidate) Key() notification.Key {
	return notification.Key{Recipient: c.Recipient, RelatedEntity: c.RelatedEntity, Kind: c.Kind, OccurrenceKey: c.OccurrenceKey}
}

type Evaluator struct {
	store entity.Store
	log   logx.Logger

	mu    sync.RWMutex
	rules map[notification.Kind]Rule
}

func New(store entity.Store, rules []Rule, log logx.Logger) *Evaluator {
	e := &Evaluator{store: store, log: log.With(logx.String("comp", "evaluator"))}
	e.SetRules(rules)
	return e
}

// SetRules replaces the whole rule set. Evaluations already running keep the
// rule they started with.
func (e *Evaluator) SetRules(rules []Rule) {
	m := make(map[notification.Kind]Rule, len(rules))
	for _, r := range rules {
		r.Offsets = append([]Offset(nil), r.Offsets...)
		m[r.Kind] = r
	}
	e.mu.Lock()
	e.rules = m
	e.mu.Unlock()
}

func (e *Evaluator) Rule(kind notification.Kind) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[kind]
	return r, ok
}

// Kinds lists the kinds with a rule, sorted.
func (e *Evaluator) Kinds() []notification.Kind {
	e.mu.RLock()
	out := make([]notification.Kind, 0, len(e.rules))
	for k := range e.rules {
		out = append(out, k)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Evaluate returns every candidate of kind whose target falls in one of the
// rule's windows at now. A store error aborts the whole kind: no partial list
// is returned.
func (e *Evaluator) Evaluate(ctx context.Context, kind notification.Kind, now time.Time) ([]Candidate, error) {
	rule, ok := e.Rule(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	offsets := rule.Offsets
	if len(offsets) == 0 {
		offsets = []Offset{{}}
	}

	var out []Candidate
	for _, o := range offsets {
		w := rule.Window(o, now)
		found, err := e.store.FindCandidates(ctx, kind, w, rule.Filters)
		if err != nil {
			return nil, fmt.Errorf("find %s candidates (offset %s): %w", kind, o.Label, err)
		}
		for _, c := range found {
			out = append(out, stamp(rule, o, c))
		}
		if len(found) > 0 {
			e.log.Debug("window matched",
				logx.String("kind", string(kind)),
				logx.String("offset", o.Label),
				logx.Time("from", w.Start),
				logx.Time("to", w.End),
				logx.Int("candidates", len(found)))
		}
	}
	return out, nil
}

func stamp(rule Rule, o Offset, c entity.Candidate) Candidate {
	data := make(map[string]any, len(c.Data)+2)
	for k, v := range c.Data {
		data[k] = v
	}
	data["offset"] = o.Before
	if o.Label != "" {
		data["offset_label"] = o.Label
	}
	c.Data = data
	if c.OccurrenceKey == "" {
		c.OccurrenceKey = o.Label
	}
	if c.OccurrenceKey == "" && !c.Target.IsZero() {
		c.OccurrenceKey = c.Target.UTC().Format("2006-01-02")
	}
	return Candidate{Candidate: c, Kind: rule.Kind, Offset: o.Before, OffsetLabel: o.Label, Priority: rule.Priority}
}

// RulesFromConfig builds the enabled rules of cfg. cfg is expected to have
// been through config.ApplyDefaults.
func RulesFromConfig(cfg config.EvaluatorConfig) ([]Rule, error) {
	tol, err := config.ParseDurationOrDefault("evaluator.tolerance", cfg.Tolerance, 10*time.Minute)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cfg.Kinds))
	for k := range cfg.Kinds {
		names = append(names, k)
	}
	sort.Strings(names)

	var rules []Rule
	for _, name := range names {
		if !cfg.KindEnabled(name) {
			continue
		}
		kc := cfg.Kinds[name]
		parsed, err := config.ParseOffsets("evaluator.kinds."+name+".offsets", kc.Offsets)
		if err != nil {
			return nil, err
		}
		r := Rule{
			Kind:      notification.Kind(name),
			Tolerance: tol,
			Filters:   entity.Filters{EntityStatuses: kc.EntityStatuses, RegistrationStatuses: kc.RegistrationStatuses},
		}
		for _, o := range parsed {
			r.Offsets = append(r.Offsets, Offset{Label: o.Label, Before: o.Before})
		}
		if kc.Priority != "" {
			p, err := notification.ParsePriority(kc.Priority)
			if err != nil {
				return nil, fmt.Errorf("evaluator.kinds.%s.priority: %w", name, err)
			}
			r.Priority = p
		}
		rules = append(rules, r)
	}
	return rules, nil
}

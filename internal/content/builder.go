// Package content renders notification titles and messages. Rendering is a
// pure function of (kind, data, priority): no clock, no I/O.
package content

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"herald/internal/notification"
)

// Content is a rendered notification.
type Content struct {
	Title   string
	Message string
	Data    map[string]any
}

// Template is the source of one kind's title and message. Defaults fill keys
// the caller's data does not provide.
type Template struct {
	Title    string
	Message  string
	Defaults map[string]any
}

type compiled struct {
	title    *template.Template
	message  *template.Template
	defaults map[string]any
}

// Builder holds compiled templates per kind.
type Builder struct {
	mu        sync.RWMutex
	templates map[notification.Kind]compiled
	fallback  compiled
}

const genericKind notification.Kind = "_generic"

// New returns a Builder with the built-in templates registered.
func New() *Builder {
	b := &Builder{templates: map[notification.Kind]compiled{}}
	for k, t := range defaultTemplates {
		if err := b.Register(k, t); err != nil {
			panic(fmt.Sprintf("content: built-in template %s: %v", k, err))
		}
	}
	b.fallback = b.templates[genericKind]
	return b
}

// Register compiles t for kind, replacing any previous template.
func (b *Builder) Register(kind notification.Kind, t Template) error {
	if strings.TrimSpace(t.Title) == "" {
		return errors.New("title template is empty")
	}
	title, err := template.New(string(kind) + ".title").Funcs(funcs).Parse(t.Title)
	if err != nil {
		return fmt.Errorf("title: %w", err)
	}
	msg, err := template.New(string(kind) + ".message").Funcs(funcs).Parse(t.Message)
	if err != nil {
		return fmt.Errorf("message: %w", err)
	}
	b.mu.Lock()
	b.templates[kind] = compiled{title: title, message: msg, defaults: t.Defaults}
	b.mu.Unlock()
	return nil
}

// Has reports whether kind has its own template.
func (b *Builder) Has(kind notification.Kind) bool {
	b.mu.RLock()
	_, ok := b.templates[kind]
	b.mu.RUnlock()
	return ok
}

// Build renders kind with data at priority p. Unknown kinds use the generic
// template. The returned Data is a fresh map with kind, priority and style
// added; the caller's map is not modified.
func (b *Builder) Build(kind notification.Kind, data map[string]any, p notification.Priority) (Content, error) {
	b.mu.RLock()
	c, ok := b.templates[kind]
	if !ok {
		c = b.fallback
	}
	b.mu.RUnlock()

	vars := make(map[string]any, len(c.defaults)+len(data)+4)
	for k, v := range c.defaults {
		vars[k] = v
	}
	for k, v := range data {
		vars[k] = v
	}
	vars["kind"] = string(kind)
	vars["priority"] = string(p)
	if d, ok := vars["offset"].(time.Duration); ok {
		vars["when"] = When(d)
	}

	title, err := render(c.title, vars)
	if err != nil {
		return Content{}, err
	}
	msg, err := render(c.message, vars)
	if err != nil {
		return Content{}, err
	}

	out := make(map[string]any, len(data)+3)
	for k, v := range data {
		out[k] = v
	}
	out["kind"] = string(kind)
	out["priority"] = string(p)
	out["style"] = Style(p)

	return Content{Title: prefix(p) + title, Message: msg, Data: out}, nil
}

func render(t *template.Template, vars map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// PriorityForOffset maps how far ahead a notification fires to its tier:
// closer offsets are more urgent.
func PriorityForOffset(before time.Duration) notification.Priority {
	switch {
	case before <= time.Hour:
		return notification.PriorityUrgent
	case before <= 6*time.Hour:
		return notification.PriorityHigh
	case before <= 48*time.Hour:
		return notification.PriorityMedium
	default:
		return notification.PriorityLow
	}
}

// Style is the presentation hint clients use for a tier.
func Style(p notification.Priority) string {
	switch p {
	case notification.PriorityUrgent:
		return "urgent"
	case notification.PriorityHigh:
		return "highlight"
	default:
		return "normal"
	}
}

func prefix(p notification.Priority) string {
	switch p {
	case notification.PriorityUrgent:
		return "Urgent: "
	case notification.PriorityHigh:
		return "Reminder: "
	default:
		return ""
	}
}

// When renders an offset as a relative phrase ("in 2 hours").
func When(d time.Duration) string {
	switch {
	case d <= 0:
		return "now"
	case d%(24*time.Hour) == 0 && d >= 7*24*time.Hour && (d/(24*time.Hour))%7 == 0:
		return "in " + plural(int(d/(7*24*time.Hour)), "week")
	case d%(24*time.Hour) == 0:
		return "in " + plural(int(d/(24*time.Hour)), "day")
	case d%time.Hour == 0:
		return "in " + plural(int(d/time.Hour), "hour")
	default:
		return "in " + plural(int(d.Round(time.Minute)/time.Minute), "minute")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

var funcs = template.FuncMap{
	"time": func(v any) string {
		t, ok := v.(time.Time)
		if !ok || t.IsZero() {
			return ""
		}
		return t.UTC().Format("Mon, 02 Jan 2006 15:04 MST")
	},
	"money": func(v any) string {
		switch x := v.(type) {
		case float64:
			return fmt.Sprintf("%.2f", x)
		case int:
			return fmt.Sprintf("%d.00", x)
		default:
			return fmt.Sprint(v)
		}
	},
}

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseLongDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// parseLongDuration extends time.ParseDuration with whole-number "d" (day)
// and "w" (week) suffixes.
func parseLongDuration(s string) (time.Duration, error) {
	for suffix, unit := range map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour} {
		if strings.HasSuffix(s, suffix) {
			n, err := strconv.Atoi(strings.TrimSuffix(s, suffix))
			if err != nil {
				return 0, err
			}
			return time.Duration(n) * unit, nil
		}
	}
	return time.ParseDuration(s)
}

// Offset is one parsed per-kind offset.
type Offset struct {
	Label  string
	Before time.Duration
}

// ParseOffset parses "label=duration" or a bare duration. Bare durations get
// a derived label: 168h → "1week", 24h → "1day", 2h → "2hours", 30m → "30min".
func ParseOffset(raw string) (Offset, error) {
	s := strings.TrimSpace(raw)
	label := ""
	if i := strings.IndexAny(s, "=:"); i >= 0 {
		label, s = strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
	}
	d, err := parseLongDuration(s)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset %q: %w", raw, err)
	}
	if d < 0 {
		return Offset{}, fmt.Errorf("invalid offset %q: negative", raw)
	}
	if label == "" {
		label = OffsetLabel(d)
	}
	return Offset{Label: label, Before: d}, nil
}

func ParseOffsets(path string, raw []string) ([]Offset, error) {
	out := make([]Offset, 0, len(raw))
	seen := map[string]bool{}
	for _, r := range raw {
		o, err := ParseOffset(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if seen[o.Label] {
			return nil, fmt.Errorf("%s: duplicate offset label %q", path, o.Label)
		}
		seen[o.Label] = true
		out = append(out, o)
	}
	return out, nil
}

func OffsetLabel(d time.Duration) string {
	const (
		day  = 24 * time.Hour
		week = 7 * day
	)
	unit := func(n time.Duration, one, many string) string {
		if n == 1 {
			return "1" + one
		}
		return strconv.FormatInt(int64(n), 10) + many
	}
	switch {
	case d == 0:
		return "now"
	case d%week == 0:
		return unit(d/week, "week", "weeks")
	case d%day == 0:
		return unit(d/day, "day", "days")
	case d%time.Hour == 0:
		return unit(d/time.Hour, "hour", "hours")
	case d%time.Minute == 0:
		return unit(d/time.Minute, "min", "min")
	default:
		return d.String()
	}
}

package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
				t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if m["comp"] != "test" {
		t.Fatalf("comp = %v, want test", m["comp"])
	}
	if m["n"] != float64(3) {
		t.Fatalf("n = %v, want 3", m["n"])
	}
	if m["message"] != "hello" {
		t.Fatalf("message = %v, want hello", m["message"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger IsZero = false")
	}
	l.Info("nothing")
	if Nop().IsZero() {
		t.Fatalf("Nop().IsZero() = true")
	}
}

func TestFormatAlertJSONSortsFields(t *testing.T) {
	t.Parallel()

	got := formatAlertJSON([]byte(`{"level":"warn","message":"queue stalled","b":2,"a":"x","time":"t"}`))
	want := "[WARN] queue stalled\n- a=x\n- b=2"
	if got != want {
		t.Fatalf("formatAlertJSON = %q, want %q", got, want)
	}
}

type recordingAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingAlerter) Alert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingAlerter) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	alerter := &recordingAlerter{}
	svc, log := New(Config{Level: "debug", Console: false, File: FileConfig{Enabled: true, Path: t.TempDir() + "/h.log"}, Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}}, alerter)
	defer svc.Close()

	log.Info("ignored")
	log.Warn("delivery degraded", String("channel", "email"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := alerter.snapshot(); len(msgs) > 0 {
			if !strings.Contains(msgs[0], "delivery degraded") {
				t.Fatalf("alert = %q, want it to contain the message", msgs[0])
			}
			if len(msgs) != 1 {
				t.Fatalf("alerts = %d, want 1", len(msgs))
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no alert forwarded")
}

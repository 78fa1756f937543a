package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	logx "herald/pkg/logx"

	tele "gopkg.in/telebot.v4"

	"herald/internal/transport"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  map[int64][]string
	fails map[int64]error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat := to.(*tele.Chat)
	if err := f.fails[chat.ID]; err != nil {
		return nil, err
	}
	if f.sent == nil {
		f.sent = map[int64][]string{}
	}
	f.sent[chat.ID] = append(f.sent[chat.ID], what.(string))
	return &tele.Message{ID: len(f.sent[chat.ID])}, nil
}

func TestSendPushEscapesAndDelivers(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	tr := newWithSender(Config{}, logx.Nop(), fs)
	err := tr.SendPush(context.Background(), "u1", []string{"tg:42"}, transport.Payload{Title: "a<b", Message: "soon"})
	if err != nil {
		t.Fatalf("SendPush err = %v", err)
	}
	got := fs.sent[42]
	if len(got) != 1 || got[0] != "<b>a&lt;b</b>\nsoon" {
		t.Fatalf("sent = %q", got)
	}
}

func TestSendPushClassification(t *testing.T) {
	t.Parallel()

	blocked := &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}
	tests := []struct {
		name          string
		tokens        []string
		fails         map[int64]error
		wantErr       bool
		wantPermanent bool
	}{
		{"no tokens", nil, nil, true, true},
		{"bad token", []string{"abc"}, nil, true, true},
		{"blocked", []string{"1"}, map[int64]error{1: blocked}, true, true},
		{"network", []string{"1"}, map[int64]error{1: errors.New("dial tcp: timeout")}, true, false},
		{"one device ok", []string{"1", "2"}, map[int64]error{1: errors.New("boom")}, false, false},
		{"mixed failures", []string{"1", "2"}, map[int64]error{1: blocked, 2: errors.New("boom")}, true, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := newWithSender(Config{}, logx.Nop(), &fakeSender{fails: tt.fails})
			err := tr.SendPush(context.Background(), "u1", tt.tokens, transport.Payload{Title: "t"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := transport.IsPermanent(err); got != tt.wantPermanent {
				t.Fatalf("IsPermanent = %v, want %v (err %v)", got, tt.wantPermanent, err)
			}
		})
	}
}

func TestAlertNeedsChat(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	if err := newWithSender(Config{}, logx.Nop(), fs).Alert(context.Background(), "x"); err != nil {
		t.Fatalf("Alert without chat err = %v", err)
	}
	if len(fs.sent) != 0 {
		t.Fatalf("sent without alert chat: %v", fs.sent)
	}
	if err := newWithSender(Config{AlertChatID: 7}, logx.Nop(), fs).Alert(context.Background(), "[WARN] x"); err != nil {
		t.Fatalf("Alert err = %v", err)
	}
	if len(fs.sent[7]) != 1 {
		t.Fatalf("alerts to chat 7 = %d, want 1", len(fs.sent[7]))
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := splitText("short", 10); len(got) != 1 {
		t.Fatalf("splitText(short) = %v", got)
	}
	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(long, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("splitText = %q", got)
	}
	for _, c := range splitText(strings.Repeat("x", 25), 10) {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk longer than limit: %d", len(c))
		}
	}
}

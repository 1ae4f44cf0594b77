package alert

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"matrixpub/internal/eventbus"
	"matrixpub/internal/storage"
	logx "matrixpub/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fails int
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: 502")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "alert.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var cookieEvent = eventbus.Event{
	Type: eventbus.CookieRefreshDue,
	Data: eventbus.CookieData{AccountID: 4, Path: "/cookies/a.json", Reason: "invalid: expired"},
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		e    eventbus.Event
		want string
	}{
		{"cookie", cookieEvent, "Credentials for account 4 need attention (invalid: expired): /cookies/a.json"},
		{"task with failures", eventbus.Event{Type: eventbus.TaskFinished, Data: eventbus.TaskData{TaskID: 9, Name: "batch", Status: "failed", Total: 3, Success: 2, Failed: 1}},
			`Task 9 "batch" finished failed: 2/3 published, 1 failed`},
		{"task without failures", eventbus.Event{Type: eventbus.TaskFinished, Data: eventbus.TaskData{TaskID: 9, Status: "completed", Total: 3, Success: 3}}, ""},
		{"switch failed", eventbus.Event{Type: eventbus.ProxySwitchFailed, Data: eventbus.SwitchData{AccountID: 2, Error: "no proxy"}},
			"Proxy switch failed for account 2: no proxy"},
		{"ignored type", eventbus.Event{Type: eventbus.SubtaskStarted, Data: eventbus.SubtaskData{}}, ""},
		{"wrong payload", eventbus.Event{Type: eventbus.CookieRefreshDue, Data: "x"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Format(tt.e)
			if ok != (tt.want != "") || got != tt.want {
				t.Fatalf("Format = %q, %v; want %q", got, ok, tt.want)
			}
		})
	}
}

func TestHandleDedupsAcrossRestart(t *testing.T) {
	st := openStore(t)
	fs := &fakeSender{}
	cfg := Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Hour}

	s := New(cfg, fs, st, nil, logx.Nop())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.handle(ctx, cookieEvent); err != nil {
			t.Fatalf("handle error: %v", err)
		}
	}
	if n := len(fs.sent()); n != 1 {
		t.Fatalf("sent %d alerts, want 1", n)
	}

	// A fresh service sharing the store still suppresses.
	s2 := New(cfg, fs, st, nil, logx.Nop())
	if err := s2.handle(ctx, cookieEvent); err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if n := len(fs.sent()); n != 1 {
		t.Fatalf("sent %d alerts after restart, want 1", n)
	}

	// After the window the alert goes out again.
	s2.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if err := s2.handle(ctx, cookieEvent); err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if n := len(fs.sent()); n != 2 {
		t.Fatalf("sent %d alerts after window, want 2", n)
	}
}

func TestHandleRetries(t *testing.T) {
	fs := &fakeSender{fails: 2}
	s := New(Config{Enabled: true, RatePerSec: 100}, fs, nil, nil, logx.Nop())
	s.retryBase = time.Millisecond
	if err := s.handle(context.Background(), cookieEvent); err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if n := len(fs.sent()); n != 1 {
		t.Fatalf("sent = %d", n)
	}

	fs.fails = sendAttempts
	if err := s.handle(context.Background(), cookieEvent); err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("handle error = %v, want send failure", err)
	}
}

func TestStartForwardsBusEvents(t *testing.T) {
	bus := eventbus.New()
	fs := &fakeSender{}
	s := New(Config{Enabled: true, RatePerSec: 100}, fs, nil, bus, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.SubtaskSucceeded, Data: eventbus.SubtaskData{}})
	bus.Publish(eventbus.Event{Type: eventbus.ProxySwitchFailed, Data: eventbus.SwitchData{AccountID: 7, Error: "none"}})

	deadline := time.Now().Add(2 * time.Second)
	for len(fs.sent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no alert delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := fs.sent(); len(got) != 1 || got[0] != "Proxy switch failed for account 7: none" {
		t.Fatalf("sent = %v", got)
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	s := New(Config{}, &fakeSender{}, nil, eventbus.New(), logx.Nop())
	s.Start(context.Background())
	if s.Enabled() {
		t.Fatalf("disabled service reports enabled")
	}
	s.Stop(context.Background())
}

func TestNewTelegramValidates(t *testing.T) {
	if _, err := NewTelegram("", 1, 0); err == nil {
		t.Fatalf("empty token accepted")
	}
	if _, err := NewTelegram("123:abc", 0, 0); err == nil {
		t.Fatalf("empty chat accepted")
	}
	tg, err := NewTelegram("123:abc", 42, 3)
	if err != nil {
		t.Fatalf("NewTelegram error: %v", err)
	}
	if tg.chatID != 42 || tg.threadID != 3 {
		t.Fatalf("telegram = %+v", tg)
	}
}

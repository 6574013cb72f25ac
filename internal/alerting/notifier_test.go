package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testNotification() Notification {
	return Notification{
		EventID:       7,
		AlertID:       3,
		Symbol:        "^GSPC",
		DisplaySymbol: "SPX",
		Condition:     CrossesAbove,
		Threshold:     decimal.NewFromInt(5300),
		Price:         decimal.RequireFromString("5301.25"),
		Source:        "stooq",
		TriggeredAt:   time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/bottoken/sendMessage") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id mismatch: %#v", received)
	}
	text := received["text"]
	for _, want := range []string{"SPX", "crosses above 5300", "5301.25", "2024-06-03T14:30:00Z"} {
		if !strings.Contains(text, want) {
			t.Fatalf("text %q missing %q", text, want)
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), testNotification()); err == nil {
		t.Fatal("ok=false must be an error")
	}
}

func TestRenderMessagePercentAndOneShot(t *testing.T) {
	note := testNotification()
	note.Condition = PercentMoveDown
	note.Threshold = decimal.NewFromInt(2)
	note.OneShot = true

	text := renderMessage(note)
	if !strings.Contains(text, "percent move down 2%") {
		t.Fatalf("percent threshold not rendered: %q", text)
	}
	if !strings.Contains(text, "now disabled") {
		t.Fatalf("one-shot note missing: %q", text)
	}
}

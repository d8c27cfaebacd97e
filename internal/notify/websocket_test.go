package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestHub_DeliversToSubscriber(t *testing.T) {
	hub := NewHub(nil, nil)
	defer hub.Close()

	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// Wait for the subscriber to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	want := Notification{
		Conversation: "conv-1",
		Token:        "tok-123",
		Content:      "The kitchen lights are on.",
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := hub.Notify(ctx, want); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Notification
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Conversation != want.Conversation || got.Token != want.Token || got.Content != want.Content {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestHub_NotifyWithoutSubscribers(t *testing.T) {
	hub := NewHub(nil, nil)
	defer hub.Close()

	if err := hub.Notify(context.Background(), Notification{Conversation: "conv-1"}); err != nil {
		t.Fatalf("Notify without subscribers: %v", err)
	}
}

func TestHub_ClosedRejectsNotify(t *testing.T) {
	hub := NewHub(nil, nil)
	if err := hub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := hub.Notify(context.Background(), Notification{}); err == nil {
		t.Fatal("Notify on closed hub succeeded")
	}
	// Close is idempotent.
	if err := hub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLogNotifier(t *testing.T) {
	n := &LogNotifier{}
	if err := n.Notify(context.Background(), Notification{Conversation: "conv-1", Token: "tok"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}

func TestLogNotifier_FailedRun(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	err := n.Notify(context.Background(), Notification{
		Conversation: "conv-1",
		Token:        "tok",
		Error:        "provider unavailable",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "continuation failed") || !strings.Contains(out, "provider unavailable") {
		t.Errorf("log output = %q", out)
	}
}

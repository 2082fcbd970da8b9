package notifications

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamhost/streamhost/internal/events"
)

func TestNotify_PublishesAlertEvent(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	alerts := bus.Subscribe(events.EventAlert)
	svc := NewService(Config{}, bus, zerolog.Nop())

	svc.Notify("critical", "stream is down")

	select {
	case payload := <-alerts:
		if payload["severity"] != "critical" {
			t.Fatalf("severity: got=%v", payload["severity"])
		}
		if payload["message"] != "stream is down" {
			t.Fatalf("message: got=%v", payload["message"])
		}
	case <-time.After(time.Second):
		t.Fatal("no alert event published")
	}
}

func TestRun_ForwardsMediaUnusableWithMediaID(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	alerts := bus.Subscribe(events.EventAlert)
	svc := NewService(Config{}, bus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	// Give Run a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(events.EventMediaUnusable, events.Payload{
		"media_id": "m-42",
		"reason":   "checksum mismatch",
	})

	select {
	case payload := <-alerts:
		message, _ := payload["message"].(string)
		if !strings.Contains(message, "m-42") || !strings.Contains(message, "checksum mismatch") {
			t.Fatalf("alert message missing media details: %q", message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("media unusable event was not forwarded")
	}
}

func TestNotify_WebhookDeliverySigned(t *testing.T) {
	t.Parallel()

	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	svc := NewService(Config{
		WebhookURL:    server.URL,
		WebhookSecret: "s3cret",
	}, events.NewBus(), zerolog.Nop())

	svc.Notify("warning", "bitrate degraded")

	select {
	case r := <-received:
		body := <-bodies

		var payload alertPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if payload.Severity != "warning" || payload.Message != "bitrate degraded" {
			t.Fatalf("unexpected payload: %+v", payload)
		}

		mac := hmac.New(sha256.New, []byte("s3cret"))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		if got := r.Header.Get("X-Streamhost-Signature"); got != want {
			t.Fatalf("signature mismatch: got=%s want=%s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never called")
	}
}

func TestNotify_DoesNotBlockOnDeadWebhook(t *testing.T) {
	t.Parallel()

	svc := NewService(Config{WebhookURL: "http://127.0.0.1:1"}, events.NewBus(), zerolog.Nop())

	done := make(chan struct{})
	go func() {
		svc.Notify("critical", "endpoint unreachable")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on delivery")
	}
}

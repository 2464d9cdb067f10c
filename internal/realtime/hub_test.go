package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/sentinel/internal/audit"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func httpHandler(h *Hub) http.Handler {
	return http.HandlerFunc(h.HandleWebSocket)
}

func blocked(action, actor string) *Event {
	return &Event{Type: EventBlocked, Data: &audit.SecurityEvent{Action: action, Status: audit.StatusBlocked, ActorID: actor}}
}

func allowed(action, actor string) *Event {
	return &Event{Type: EventSecurity, Data: &audit.SecurityEvent{Action: action, Status: audit.StatusAllowed, ActorID: actor}}
}

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true, BlockedOnly: true}}

	if !h.shouldSend(client, allowed(audit.ActionRequestProcessed, "1")) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_BlockedOnly(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{BlockedOnly: true}}

	if !h.shouldSend(client, blocked(audit.ActionFraudDetected, "1")) {
		t.Error("Should receive blocked events")
	}
	if h.shouldSend(client, allowed(audit.ActionRequestProcessed, "1")) {
		t.Error("Should NOT receive allowed events")
	}
}

func TestShouldSend_ActionAndActorFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{
		Actions:  []string{audit.ActionFraudDetected, audit.ActionRateLimitExceeded},
		ActorIDs: []string{"42"},
	}}

	if !h.shouldSend(client, blocked(audit.ActionFraudDetected, "42")) {
		t.Error("Should match action and actor")
	}
	if h.shouldSend(client, blocked(audit.ActionFraudDetected, "7")) {
		t.Error("Should NOT match other actors")
	}
	if h.shouldSend(client, blocked(audit.ActionSuspiciousActivity, "42")) {
		t.Error("Should NOT match other actions")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, allowed(audit.ActionRequestProcessed, "")) {
		t.Error("Empty subscription (no filters) should receive events")
	}
	if !h.shouldSend(client, &Event{Type: EventSecurity}) {
		t.Error("Event without data should pass an empty subscription")
	}
}

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{AllEvents: true}}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishFiltered(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{BlockedOnly: true}}
	h.register <- client

	h.Publish(&audit.SecurityEvent{TraceID: "t1", Action: audit.ActionRequestProcessed, Status: audit.StatusAllowed})
	h.Publish(&audit.SecurityEvent{TraceID: "t2", Action: audit.ActionFraudDetected, Status: audit.StatusBlocked})

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad message: %v", err)
		}
		if ev.Type != EventBlocked || ev.Data.TraceID != "t2" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for blocked event")
	}

	select {
	case msg := <-client.send:
		t.Errorf("unexpected extra message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h.Publish(&audit.SecurityEvent{TraceID: "live", Action: audit.ActionRateLimitExceeded, Status: audit.StatusBlocked})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Data == nil || ev.Data.TraceID != "live" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	h := NewHub(slog.Default(), "https://ops.example.com")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatal("expected handshake failure for foreign origin")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://ops.example.com"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = conn.Close()
}

func TestHub_SubscriptionAcknowledged(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg["type"] != string(EventError) {
		t.Errorf("expected error reply, got %v", msg)
	}

	if err := conn.WriteJSON(Subscription{BlockedOnly: true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg = nil
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg["type"] != string(EventSubscribed) {
		t.Fatalf("expected subscription ack, got %v", msg)
	}

	h.Publish(&audit.SecurityEvent{TraceID: "ok", Action: audit.ActionRequestProcessed, Status: audit.StatusAllowed})
	h.Publish(&audit.SecurityEvent{TraceID: "bad", Action: audit.ActionFraudDetected, Status: audit.StatusBlocked})

	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Data == nil || ev.Data.TraceID != "bad" {
		t.Errorf("expected only the blocked event, got %+v", ev)
	}
}

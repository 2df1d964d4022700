package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/escrowledger/internal/escrow"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func placed(seq int64, orderID, buyer, seller string) *escrow.Event {
	return &escrow.Event{
		Seq:     seq,
		Type:    escrow.EventOrderPlaced,
		OrderID: orderID,
		Data:    map[string]string{"orderId": orderID, "buyer": buyer, "seller": seller},
	}
}

func TestMatches_EmptySubscription(t *testing.T) {
	c := &Client{}
	if !c.matches(placed(1, "1", "0xb1", "0xa5")) {
		t.Error("empty subscription should receive every event")
	}
}

func TestMatches_EventTypeFilter(t *testing.T) {
	c := &Client{sub: Subscription{EventTypes: []escrow.EventType{escrow.EventOrderReleased}}}

	if c.matches(placed(1, "1", "0xb1", "0xa5")) {
		t.Error("should NOT receive order.placed")
	}
	if !c.matches(&escrow.Event{Type: escrow.EventOrderReleased, OrderID: "1"}) {
		t.Error("should receive order.released")
	}
}

func TestMatches_PartyFilter(t *testing.T) {
	c := &Client{sub: Subscription{Parties: []string{"0xABCDEF"}}}

	if !c.matches(placed(1, "1", "0xabcdef", "0xa5")) {
		t.Error("should match buyer case-insensitively")
	}
	if !c.matches(placed(2, "2", "0xb1", "0xAbCdEf")) {
		t.Error("should match seller")
	}
	if !c.matches(&escrow.Event{Type: escrow.EventOrderRefunded, Data: map[string]string{"refundedBy": "0xabcdef"}}) {
		t.Error("should match refundedBy")
	}
	if c.matches(placed(3, "3", "0xb1", "0xa5")) {
		t.Error("should NOT match unrelated parties")
	}
	if c.matches(&escrow.Event{Type: escrow.EventFeeUpdated, Data: map[string]string{"newPercentageBps": "10"}}) {
		t.Error("events without parties should not pass a party filter")
	}
}

func TestMatches_OrderFilter(t *testing.T) {
	c := &Client{sub: Subscription{OrderIDs: []string{"42"}}}

	if !c.matches(placed(1, "42", "0xb1", "0xa5")) {
		t.Error("should match order 42")
	}
	if c.matches(placed(2, "43", "0xb1", "0xa5")) {
		t.Error("should NOT match order 43")
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

	client := &Client{hub: h, send: make(chan []byte, 256)}

	h.register <- client
	h.Publish(placed(1, "1", "0xb1", "0xa5"))
	select {
	case <-client.send:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 || stats["peakClients"].(int64) != 1 {
		t.Errorf("stats after register = %v", stats)
	}

	h.unregister <- client
	h.Publish(placed(2, "2", "0xb1", "0xa5"))
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_SlowClientDisconnected(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	slow := &Client{hub: h, send: make(chan []byte, 1)}
	slow.send <- []byte("backlog")
	h.register <- slow
	h.Publish(placed(1, "1", "0xb1", "0xa5"))

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client was not dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}
	<-slow.send
	if _, ok := <-slow.send; ok {
		t.Error("expected send channel to be closed")
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

func TestHub_WebSocketStream(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(Subscription{OrderIDs: []string{"7"}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("write subscription: %v", err)
	}

	// Wait until the hub has the client and the subscription is applied.
	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	h.Publish(placed(1, "6", "0xb1", "0xa5"))
	h.Publish(placed(2, "7", "0xb1", "0xa5"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got escrow.Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Seq != 2 || got.OrderID != "7" {
		t.Errorf("got event seq=%d order=%s, want seq=2 order=7", got.Seq, got.OrderID)
	}
}

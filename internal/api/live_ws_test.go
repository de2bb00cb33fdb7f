package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"delivnav/internal/model"
)

func dialLiveWS(t *testing.T, s *Server, actorID, role string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(s.LiveWSHandler))
	t.Cleanup(srv.Close)
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_demo")
	hdr.Set("X-Role", role)
	hdr.Set("X-Actor-Id", actorID)
	c, _, err := websocket.DefaultDialer.Dial(u, hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	var m wsMessage
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := c.ReadJSON(&m); err != nil || m.Type != "connection_ack" {
		t.Fatalf("expected connection_ack, got %+v (%v)", m, err)
	}
	return c
}

func TestLiveWSConcurrentFanout(t *testing.T) {
	s := newTestServer(t)
	id := createDelivery(t, s)
	c := dialLiveWS(t, s, "", "admin")

	// two subscriptions on the same connection: each gets its own fan-out
	// goroutine writing to the shared socket
	for _, subID := range []string{"1", "2"} {
		pl, _ := json.Marshal(wsSubscribePayload{DeliveryID: id})
		if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: subID, Payload: pl}); err != nil {
			t.Fatalf("subscribe %s: %v", subID, err)
		}
	}

	// publish bursts from several goroutines while reading
	stop := make(chan struct{})
	defer close(stop)
	for i := 0; i < 3; i++ {
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				s.Broker.Publish(id, SSEEvent{Type: model.EventPosition, Data: map[string]any{"lat": 1.0}})
				time.Sleep(time.Millisecond)
			}
		}()
	}

	seen := map[string]int{}
	deadline := time.Now().Add(3 * time.Second)
	for (seen["1"] < 5 || seen["2"] < 5) && time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var m wsMessage
		if err := c.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		if m.Type == "next" {
			seen[m.ID]++
		}
	}
	if seen["1"] < 5 || seen["2"] < 5 {
		t.Fatalf("fan-out starved a subscription: %v", seen)
	}
}

func TestLiveWSSubscribeForbiddenForStranger(t *testing.T) {
	s := newTestServer(t)
	id := createDelivery(t, s)
	c := dialLiveWS(t, s, "someone", "buyer")

	pl, _ := json.Marshal(wsSubscribePayload{DeliveryID: id})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var m wsMessage
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := c.ReadJSON(&m); err != nil || m.Type != "error" {
		t.Fatalf("expected error message, got %+v (%v)", m, err)
	}
}

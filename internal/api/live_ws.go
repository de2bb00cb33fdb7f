package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"delivnav/internal/model"
	"delivnav/internal/stage"
)

// Minimal subscription protocol over WebSocket to stream delivery events.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribePayload struct {
	DeliveryID string   `json:"deliveryId"`
	Events     []string `json:"events,omitempty"`
}

// LiveWSHandler handles /v1/live
func (s *Server) LiveWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// Track subscriptions: id -> deliveryID and channel
	type sub struct {
		deliveryID string
		ch         chan SSEEvent
	}
	subs := map[string]sub{}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	// one writer at a time: the read loop, the keepalive goroutine and every
	// fan-out goroutine share the connection
	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(v)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			// Start keepalive
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for range ticker.C {
					if err := write(wsMessage{Type: "ping"}); err != nil {
						return
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			var pl wsSubscribePayload
			_ = json.Unmarshal(msg.Payload, &pl)
			if pl.DeliveryID == "" {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"deliveryId required"}`)})
				_ = write(wsMessage{Type: "complete", ID: msg.ID})
				continue
			}
			// RBAC: admin or a party to the delivery
			pr := s.getPrincipal(r)
			if !pr.IsAdmin() {
				rec, err := s.Store.GetDelivery(r.Context(), pr.Tenant, pl.DeliveryID)
				if err != nil || stage.RoleFor(rec, pr.ActorID) == model.RoleNone {
					_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"forbidden"}`)})
					_ = write(wsMessage{Type: "complete", ID: msg.ID})
					continue
				}
			}
			wanted := map[string]struct{}{}
			for _, e := range pl.Events {
				wanted[e] = struct{}{}
			}
			ch := s.Broker.Subscribe(pl.DeliveryID)
			subs[msg.ID] = sub{deliveryID: pl.DeliveryID, ch: ch}
			// Fanout goroutine
			go func(id string, c chan SSEEvent, wanted map[string]struct{}) {
				for evt := range c {
					if len(wanted) > 0 {
						if _, ok := wanted[evt.Type]; !ok {
							continue
						}
					}
					payload, _ := json.Marshal(map[string]any{"type": evt.Type, "data": evt.Data})
					_ = write(wsMessage{Type: "next", ID: id, Payload: payload})
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch, wanted)
		case "complete":
			if s0, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(s0.deliveryID, s0.ch)
				delete(subs, msg.ID)
			}
		default:
			// ignore
		}
	}
	for id, s0 := range subs {
		s.Broker.Unsubscribe(s0.deliveryID, s0.ch)
		delete(subs, id)
	}
}

// Package main runs a demo WebSocket client for delivery events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Create a delivery
	body := []byte(`{"buyerId":"u_buyer","sellerId":"u_seller","pickup":{"coordinates":[-73.99,40.75]},"dropoff":{"coordinates":[-73.95,40.78]}}`)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/deliveries", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t_demo")
	req.Header.Set("X-Role", "admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var rec struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		log.Fatal(err)
	}
	if rec.ID == "" {
		log.Fatal("no delivery id returned")
	}
	log.Printf("Delivery ID: %s", rec.ID)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/live"}
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_demo")
	hdr.Set("X-Role", "admin")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	// connection_init
	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	// subscribe to this delivery's events
	pl, _ := json.Marshal(map[string]any{"deliveryId": rec.ID})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// Trigger events: accept the delivery, then push a driver position
	time.Sleep(500 * time.Millisecond)
	accReq, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/v1/deliveries/%s/accept", base, rec.ID), bytes.NewReader([]byte("{}")))
	accReq.Header.Set("Content-Type", "application/json")
	accReq.Header.Set("X-Tenant-Id", "t_demo")
	accReq.Header.Set("X-Role", "driver")
	accReq.Header.Set("X-Actor-Id", "drv_demo")
	_, _ = http.DefaultClient.Do(accReq)

	posReq, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/v1/deliveries/%s/location", base, rec.ID), bytes.NewReader([]byte(`{"point":{"lat":40.76,"lng":-73.98}}`)))
	posReq.Header.Set("Content-Type", "application/json")
	posReq.Header.Set("X-Tenant-Id", "t_demo")
	posReq.Header.Set("X-Role", "driver")
	posReq.Header.Set("X-Actor-Id", "drv_demo")
	_, _ = http.DefaultClient.Do(posReq)

	// Wait briefly to receive a few messages
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}

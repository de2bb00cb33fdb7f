package api

import (
    "sync"
)

type SSEEvent struct {
    Type string
    Data map[string]any
}

type Broker struct {
    mu   sync.Mutex
    subs map[string]map[chan SSEEvent]struct{} // deliveryId -> set of channels
}

func NewBroker() *Broker {
    return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(deliveryID string) chan SSEEvent {
    ch := make(chan SSEEvent, 8)
    b.mu.Lock()
    if b.subs[deliveryID] == nil { b.subs[deliveryID] = map[chan SSEEvent]struct{}{} }
    b.subs[deliveryID][ch] = struct{}{}
    b.mu.Unlock()
    return ch
}

func (b *Broker) Unsubscribe(deliveryID string, ch chan SSEEvent) {
    b.mu.Lock()
    if m := b.subs[deliveryID]; m != nil {
        delete(m, ch)
        if len(m) == 0 { delete(b.subs, deliveryID) }
    }
    b.mu.Unlock()
    close(ch)
}

func (b *Broker) Publish(deliveryID string, evt SSEEvent) {
    b.mu.Lock()
    m := b.subs[deliveryID]
    for ch := range m {
        select { case ch <- evt: default: }
    }
    b.mu.Unlock()
}

package store

import (
    "context"
    "sync"
    "time"

    "github.com/google/uuid"

    "delivnav/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
    mu         sync.Mutex
    deliveries map[string]model.DeliveryRecord // id -> delivery
    byTen      map[string][]string             // tenant -> delivery ids
    tokens     map[string]memToken             // token -> handshake state
    positions  map[string]memPosition          // deliveryId -> latest position
    subs       map[string][]model.Subscription // tenant -> subscriptions
    // Webhooks queue state
    whDeliveries map[string]*memDelivery // id -> delivery state
    whByTenant   map[string][]string     // tenant -> webhook delivery ids

    now func() time.Time
}

func NewMemory() *Memory {
    return &Memory{
        deliveries:   map[string]model.DeliveryRecord{},
        byTen:        map[string][]string{},
        tokens:       map[string]memToken{},
        positions:    map[string]memPosition{},
        subs:         map[string][]model.Subscription{},
        whDeliveries: map[string]*memDelivery{},
        whByTenant:   map[string][]string{},
        now:          time.Now,
    }
}

type memToken struct {
    DeliveryID string
    Kind       model.QRKind
    IssuedBy   string
    ExpiresAt  time.Time
}

type memPosition struct {
    Point      model.GeoPoint
    RecordedAt time.Time
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
    WebhookDelivery
    NextAttemptAt time.Time
    LastError     string
    ResponseCode  int
    LatencyMs     int
    DeliveredAt   *time.Time
}

func (m *Memory) CreateDelivery(ctx context.Context, tenantID string, in model.DeliveryRecord) (model.DeliveryRecord, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    in.ID = uuid.New().String()
    in.TenantID = tenantID
    if in.Status == "" { in.Status = "pending" }
    m.deliveries[in.ID] = in
    m.byTen[tenantID] = append(m.byTen[tenantID], in.ID)
    return in, nil
}

func (m *Memory) GetDelivery(ctx context.Context, tenantID, id string) (model.DeliveryRecord, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    return m.getLocked(tenantID, id)
}

func (m *Memory) getLocked(tenantID, id string) (model.DeliveryRecord, error) {
    r, ok := m.deliveries[id]
    if !ok || r.TenantID != tenantID { return model.DeliveryRecord{}, ErrNotFound }
    return r, nil
}

func (m *Memory) ListDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.DeliveryRecord, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.byTen[tenantID]
    start := 0
    if cursor != "" {
        for i, id := range ids {
            if id == cursor { start = i + 1; break }
        }
    }
    if limit <= 0 { limit = 100 }
    out := []model.DeliveryRecord{}
    var next string
    for i := start; i < len(ids) && len(out) < limit; i++ {
        r := m.deliveries[ids[i]]
        if status == "" || r.Status == status { out = append(out, r) }
        next = ids[i]
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

// mutate loads, guards, and stores one delivery under the lock.
func (m *Memory) mutate(tenantID, id string, guard func(*model.DeliveryRecord) error) (model.DeliveryRecord, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, err := m.getLocked(tenantID, id)
    if err != nil { return model.DeliveryRecord{}, err }
    if err := guard(&r); err != nil { return model.DeliveryRecord{}, err }
    m.deliveries[id] = r
    return r, nil
}

func (m *Memory) AcceptDelivery(ctx context.Context, tenantID, id, driverID string) (model.DeliveryRecord, error) {
    return m.mutate(tenantID, id, func(r *model.DeliveryRecord) error { return acceptGuard(r, driverID) })
}

func (m *Memory) ArrivePickup(ctx context.Context, tenantID, id, driverID string) (model.DeliveryRecord, error) {
    return m.mutate(tenantID, id, func(r *model.DeliveryRecord) error { return arrivePickupGuard(r, driverID) })
}

func (m *Memory) ArriveDropoff(ctx context.Context, tenantID, id, driverID string) (model.DeliveryRecord, error) {
    return m.mutate(tenantID, id, func(r *model.DeliveryRecord) error { return arriveDropoffGuard(r, driverID) })
}

func (m *Memory) IssueQR(ctx context.Context, tenantID, id string, kind model.QRKind, actorID string, ttl time.Duration) (model.QRToken, model.DeliveryRecord, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, err := m.getLocked(tenantID, id)
    if err != nil { return model.QRToken{}, model.DeliveryRecord{}, err }
    if err := issueGuard(&r, kind, actorID); err != nil { return model.QRToken{}, model.DeliveryRecord{}, err }
    m.deliveries[id] = r

    if ttl <= 0 { ttl = 2 * time.Minute }
    exp := m.now().Add(ttl)
    tok := uuid.New().String()
    m.tokens[tok] = memToken{DeliveryID: id, Kind: kind, IssuedBy: actorID, ExpiresAt: exp}
    return model.QRToken{
        Token:      tok,
        DeliveryID: id,
        Kind:       kind,
        IssuedBy:   actorID,
        ExpiresAt:  exp.UTC().Format(time.RFC3339),
    }, r, nil
}

func (m *Memory) ScanQR(ctx context.Context, tenantID, token, actorID string) (model.DeliveryRecord, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    t, ok := m.tokens[token]
    if !ok { return model.DeliveryRecord{}, ErrTokenInvalid }
    // single use, spent even on a failed scan
    delete(m.tokens, token)
    if m.now().After(t.ExpiresAt) { return model.DeliveryRecord{}, ErrTokenInvalid }
    r, err := m.getLocked(tenantID, t.DeliveryID)
    if err != nil { return model.DeliveryRecord{}, err }
    if err := scanGuard(&r, t.Kind, actorID); err != nil { return model.DeliveryRecord{}, err }
    m.deliveries[t.DeliveryID] = r
    return r, nil
}

func (m *Memory) UpsertPosition(ctx context.Context, tenantID, deliveryID string, p model.GeoPoint, recordedAt time.Time) (model.DeliveryRecord, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, err := m.getLocked(tenantID, deliveryID)
    if err != nil { return model.DeliveryRecord{}, err }
    positionGuard(&r)
    m.deliveries[deliveryID] = r
    m.positions[deliveryID] = memPosition{Point: p, RecordedAt: recordedAt}
    return r, nil
}

func (m *Memory) LatestPosition(ctx context.Context, tenantID, deliveryID string) (model.GeoPoint, time.Time, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if _, err := m.getLocked(tenantID, deliveryID); err != nil {
        return model.GeoPoint{}, time.Time{}, err
    }
    pos, ok := m.positions[deliveryID]
    if !ok { return model.GeoPoint{}, time.Time{}, ErrNotFound }
    return pos.Point, pos.RecordedAt, nil
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
    m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
    return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    var out []model.Subscription
    for _, s := range m.subs[tenantID] {
        for _, e := range s.Events {
            if e == eventType { out = append(out, s); break }
        }
    }
    return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    subs := m.subs[tenantID]
    start := 0
    if cursor != "" {
        for i, s := range subs {
            if s.ID == cursor { start = i + 1; break }
        }
    }
    if limit <= 0 { limit = 100 }
    end := start + limit
    if end > len(subs) { end = len(subs) }
    out := append([]model.Subscription{}, subs[start:end]...)
    next := ""
    if end < len(subs) && len(out) > 0 { next = out[len(out)-1].ID }
    return out, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    subs := m.subs[tenantID]
    for i, s := range subs {
        if s.ID == id {
            m.subs[tenantID] = append(subs[:i], subs[i+1:]...)
            return nil
        }
    }
    return ErrNotFound
}

func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    id := uuid.New().String()
    d := &memDelivery{WebhookDelivery: WebhookDelivery{
        ID: id, TenantID: tenantID, SubscriptionID: subscriptionID,
        EventType: eventType, URL: url, Secret: secret, Payload: payload,
        Status: "pending",
    }, NextAttemptAt: m.now()}
    m.whDeliveries[id] = d
    m.whByTenant[tenantID] = append(m.whByTenant[tenantID], id)
    return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := m.now()
    if limit <= 0 { limit = 50 }
    var out []WebhookDelivery
    for _, d := range m.whDeliveries {
        if len(out) >= limit { break }
        if d.Status == "pending" && !d.NextAttemptAt.After(now) {
            d.Status = "in_flight"
            out = append(out, d.WebhookDelivery)
        }
    }
    return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.whDeliveries[id]
    if !ok { return ErrNotFound }
    d.Attempts++
    d.LastError = lastError
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    switch {
    case success:
        d.Status = "delivered"
        t := m.now()
        d.DeliveredAt = &t
    case nextAttemptAt != nil:
        d.Status = "pending"
        d.NextAttemptAt = *nextAttemptAt
    default:
        d.Status = "failed"
    }
    return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.whByTenant[tenantID]
    start := 0
    if cursor != "" {
        for i, id := range ids {
            if id == cursor { start = i + 1; break }
        }
    }
    if limit <= 0 { limit = 100 }
    out := []map[string]any{}
    var next string
    for i := start; i < len(ids) && len(out) < limit; i++ {
        d := m.whDeliveries[ids[i]]
        if status != "" && d.Status != status { continue }
        out = append(out, map[string]any{
            "id": d.ID, "eventType": d.EventType, "status": d.Status,
            "attempts": d.Attempts, "lastError": d.LastError,
            "responseCode": d.ResponseCode, "latencyMs": d.LatencyMs,
        })
        next = d.ID
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.whDeliveries[id]
    if !ok || d.TenantID != tenantID { return ErrNotFound }
    d.Status = "pending"
    d.NextAttemptAt = m.now()
    return nil
}

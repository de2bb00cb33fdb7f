package store

import (
    "context"
    "errors"
    "time"

    "delivnav/internal/model"
)

// Store is the persistence interface used by the API server. Transition
// guards live here so both backends enforce the same rules.
type Store interface {
    // Deliveries
    CreateDelivery(ctx context.Context, tenantID string, in model.DeliveryRecord) (model.DeliveryRecord, error)
    GetDelivery(ctx context.Context, tenantID, id string) (model.DeliveryRecord, error)
    ListDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.DeliveryRecord, string, error)

    // Commands
    AcceptDelivery(ctx context.Context, tenantID, id, driverID string) (model.DeliveryRecord, error)
    ArrivePickup(ctx context.Context, tenantID, id, driverID string) (model.DeliveryRecord, error)
    ArriveDropoff(ctx context.Context, tenantID, id, driverID string) (model.DeliveryRecord, error)

    // QR handshake. Issuing flips the issuer's confirmation flag; a scan
    // flips the scanner's. Tokens are single-use and expire.
    IssueQR(ctx context.Context, tenantID, id string, kind model.QRKind, actorID string, ttl time.Duration) (model.QRToken, model.DeliveryRecord, error)
    ScanQR(ctx context.Context, tenantID, token, actorID string) (model.DeliveryRecord, error)

    // Positions
    UpsertPosition(ctx context.Context, tenantID, deliveryID string, p model.GeoPoint, recordedAt time.Time) (model.DeliveryRecord, error)
    LatestPosition(ctx context.Context, tenantID, deliveryID string) (model.GeoPoint, time.Time, error)

    // Subscriptions
    CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
    GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
    ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
    DeleteSubscription(ctx context.Context, tenantID, id string) error

    // Webhook deliveries
    EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
    FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
    MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
    ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error)
    RetryWebhookDelivery(ctx context.Context, tenantID, id string) error
}

var (
    ErrNotFound     = errors.New("not found")
    ErrForbidden    = errors.New("forbidden")
    ErrConflict     = errors.New("conflict")
    ErrTokenInvalid = errors.New("token invalid")
)

// WebhookDelivery is one queued outbound webhook.
type WebhookDelivery struct {
    ID             string
    TenantID       string
    SubscriptionID string
    EventType      string
    URL            string
    Secret         string
    Payload        []byte
    Status         string
    Attempts       int
}

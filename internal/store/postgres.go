package store

import (
    "context"
    "crypto/sha256"
    "database/sql"
    "encoding/hex"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"

    "delivnav/internal/model"
)

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every .sql file in dir in lexical order.
func (p *Postgres) MigrateDir(dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil {
        return fmt.Errorf("read migrations: %w", err)
    }
    var files []string
    for _, e := range entries {
        if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
            files = append(files, e.Name())
        }
    }
    sort.Strings(files)
    for _, f := range files {
        b, err := os.ReadFile(filepath.Join(dir, f))
        if err != nil {
            return fmt.Errorf("read migration %s: %w", f, err)
        }
        if _, err := p.db.Exec(string(b)); err != nil {
            return fmt.Errorf("apply migration %s: %w", f, err)
        }
    }
    return nil
}

func (p *Postgres) CreateDelivery(ctx context.Context, tenantID string, in model.DeliveryRecord) (model.DeliveryRecord, error) {
    in.ID = uuid.New().String()
    in.TenantID = tenantID
    if in.Status == "" { in.Status = "pending" }
    _, err := p.db.ExecContext(ctx, `INSERT INTO deliveries
        (id, tenant_id, status, buyer_id, seller_id, driver_id, pickup, dropoff)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
        in.ID, tenantID, in.Status, in.BuyerID, in.SellerID, nullIfEmpty(in.DeliveryPersonID),
        toJSONB(in.Pickup), toJSONB(in.Dropoff))
    if err != nil { return model.DeliveryRecord{}, err }
    return in, nil
}

const deliveryCols = `id::text, tenant_id::text, status, buyer_id, seller_id, COALESCE(driver_id,''),
    seller_pickup_confirmed, driver_pickup_confirmed, buyer_dropoff_confirmed, driver_dropoff_confirmed,
    pickup, dropoff`

func scanDelivery(row interface{ Scan(...any) error }) (model.DeliveryRecord, error) {
    var r model.DeliveryRecord
    var pickup, dropoff []byte
    err := row.Scan(&r.ID, &r.TenantID, &r.Status, &r.BuyerID, &r.SellerID, &r.DeliveryPersonID,
        &r.SellerPickupConfirmed, &r.DriverPickupConfirmed, &r.BuyerDropoffConfirmed, &r.DriverDropoffConfirmed,
        &pickup, &dropoff)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return r, ErrNotFound }
        return r, err
    }
    if len(pickup) > 0 { _ = json.Unmarshal(pickup, &r.Pickup) }
    if len(dropoff) > 0 { _ = json.Unmarshal(dropoff, &r.Dropoff) }
    return r, nil
}

func (p *Postgres) GetDelivery(ctx context.Context, tenantID, id string) (model.DeliveryRecord, error) {
    row := p.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    return scanDelivery(row)
}

func (p *Postgres) ListDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.DeliveryRecord, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT ` + deliveryCols + ` FROM deliveries WHERE tenant_id=$1`
    args := []any{tenantID}
    if status != "" {
        args = append(args, status)
        q += fmt.Sprintf(` AND status=$%d`, len(args))
    }
    if cursor != "" {
        args = append(args, cursor)
        q += fmt.Sprintf(` AND id::text > $%d`, len(args))
    }
    args = append(args, limit)
    q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))

    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.DeliveryRecord{}
    var last string
    for rows.Next() {
        r, err := scanDelivery(rows)
        if err != nil { return nil, "", err }
        out = append(out, r)
        last = r.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

// mutate runs load-guard-store in one transaction with the row locked.
func (p *Postgres) mutate(ctx context.Context, tenantID, id string, guard func(*model.DeliveryRecord) error) (model.DeliveryRecord, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.DeliveryRecord{}, err }
    defer func() { _ = tx.Rollback() }()

    row := tx.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id)
    r, err := scanDelivery(row)
    if err != nil { return model.DeliveryRecord{}, err }
    if err := guard(&r); err != nil { return model.DeliveryRecord{}, err }

    _, err = tx.ExecContext(ctx, `UPDATE deliveries SET status=$3, driver_id=$4,
        seller_pickup_confirmed=$5, driver_pickup_confirmed=$6,
        buyer_dropoff_confirmed=$7, driver_dropoff_confirmed=$8, updated_at=now()
        WHERE tenant_id=$1 AND id=$2`,
        tenantID, id, r.Status, nullIfEmpty(r.DeliveryPersonID),
        r.SellerPickupConfirmed, r.DriverPickupConfirmed, r.BuyerDropoffConfirmed, r.DriverDropoffConfirmed)
    if err != nil { return model.DeliveryRecord{}, err }
    if err := tx.Commit(); err != nil { return model.DeliveryRecord{}, err }
    return r, nil
}

func (p *Postgres) AcceptDelivery(ctx context.Context, tenantID, id, driverID string) (model.DeliveryRecord, error) {
    return p.mutate(ctx, tenantID, id, func(r *model.DeliveryRecord) error { return acceptGuard(r, driverID) })
}

func (p *Postgres) ArrivePickup(ctx context.Context, tenantID, id, driverID string) (model.DeliveryRecord, error) {
    return p.mutate(ctx, tenantID, id, func(r *model.DeliveryRecord) error { return arrivePickupGuard(r, driverID) })
}

func (p *Postgres) ArriveDropoff(ctx context.Context, tenantID, id, driverID string) (model.DeliveryRecord, error) {
    return p.mutate(ctx, tenantID, id, func(r *model.DeliveryRecord) error { return arriveDropoffGuard(r, driverID) })
}

func (p *Postgres) IssueQR(ctx context.Context, tenantID, id string, kind model.QRKind, actorID string, ttl time.Duration) (model.QRToken, model.DeliveryRecord, error) {
    if ttl <= 0 { ttl = 2 * time.Minute }
    r, err := p.mutate(ctx, tenantID, id, func(r *model.DeliveryRecord) error { return issueGuard(r, kind, actorID) })
    if err != nil { return model.QRToken{}, model.DeliveryRecord{}, err }

    tok := uuid.New().String()
    exp := time.Now().Add(ttl)
    _, err = p.db.ExecContext(ctx, `INSERT INTO qr_tokens (token, tenant_id, delivery_id, kind, issued_by, expires_at)
        VALUES ($1,$2,$3,$4,$5,$6)`, tok, tenantID, id, string(kind), actorID, exp)
    if err != nil { return model.QRToken{}, model.DeliveryRecord{}, err }
    return model.QRToken{
        Token: tok, DeliveryID: id, Kind: kind, IssuedBy: actorID,
        ExpiresAt: exp.UTC().Format(time.RFC3339),
    }, r, nil
}

func (p *Postgres) ScanQR(ctx context.Context, tenantID, token, actorID string) (model.DeliveryRecord, error) {
    // consume the token first so it is spent even when the scan is refused
    var deliveryID, kind string
    var expiresAt time.Time
    err := p.db.QueryRowContext(ctx, `DELETE FROM qr_tokens WHERE token=$1 AND tenant_id=$2
        RETURNING delivery_id::text, kind, expires_at`, token, tenantID).Scan(&deliveryID, &kind, &expiresAt)
    if errors.Is(err, sql.ErrNoRows) { return model.DeliveryRecord{}, ErrTokenInvalid }
    if err != nil { return model.DeliveryRecord{}, err }
    if time.Now().After(expiresAt) { return model.DeliveryRecord{}, ErrTokenInvalid }

    return p.mutate(ctx, tenantID, deliveryID, func(r *model.DeliveryRecord) error {
        return scanGuard(r, model.QRKind(kind), actorID)
    })
}

func (p *Postgres) UpsertPosition(ctx context.Context, tenantID, deliveryID string, pt model.GeoPoint, recordedAt time.Time) (model.DeliveryRecord, error) {
    r, err := p.mutate(ctx, tenantID, deliveryID, func(r *model.DeliveryRecord) error {
        positionGuard(r)
        return nil
    })
    if err != nil { return model.DeliveryRecord{}, err }
    _, err = p.db.ExecContext(ctx, `INSERT INTO positions (delivery_id, tenant_id, lat, lng, recorded_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (delivery_id) DO UPDATE SET lat=$3, lng=$4, recorded_at=$5`,
        deliveryID, tenantID, pt.Lat, pt.Lng, recordedAt)
    if err != nil { return model.DeliveryRecord{}, err }
    return r, nil
}

func (p *Postgres) LatestPosition(ctx context.Context, tenantID, deliveryID string) (model.GeoPoint, time.Time, error) {
    var pt model.GeoPoint
    var at time.Time
    err := p.db.QueryRowContext(ctx, `SELECT lat, lng, recorded_at FROM positions WHERE tenant_id=$1 AND delivery_id=$2`,
        tenantID, deliveryID).Scan(&pt.Lat, &pt.Lng, &at)
    if errors.Is(err, sql.ErrNoRows) { return model.GeoPoint{}, time.Time{}, ErrNotFound }
    if err != nil { return model.GeoPoint{}, time.Time{}, err }
    return pt, at, nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    id := uuid.New().String()
    _, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`,
        id, req.TenantID, req.URL, pqStringArray(req.Events), nullIfEmpty(req.Secret))
    if err != nil { return model.Subscription{}, err }
    return model.Subscription{ID: id, TenantID: req.TenantID, URL: req.URL, Events: req.Events}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, events, COALESCE(secret,'') FROM subscriptions
        WHERE tenant_id=$1 AND $2 = ANY(events)`, tenantID, eventType)
    if err != nil { return nil, err }
    defer rows.Close()
    var out []model.Subscription
    for rows.Next() {
        var s model.Subscription
        var events []byte
        if err := rows.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil { return nil, err }
        s.TenantID = tenantID
        s.Events = parsePGTextArray(string(events))
        out = append(out, s)
    }
    return out, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, events FROM subscriptions WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, events FROM subscriptions WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Subscription{}
    var last string
    for rows.Next() {
        var s model.Subscription
        var events []byte
        if err := rows.Scan(&s.ID, &s.URL, &events); err != nil { return nil, "", err }
        s.TenantID = tenantID
        s.Events = parsePGTextArray(string(events))
        out = append(out, s)
        last = s.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
    res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    id := uuid.New().String()
    dk := computeDedupKey(payload)
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
        ON CONFLICT (tenant_id, event_type, url, dedup_key) DO NOTHING`, id, tenantID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
    if err != nil { return "", err }
    return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, tenant_id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []WebhookDelivery{}
    for rows.Next() {
        var d WebhookDelivery
        if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil { return nil, err }
        out = append(out, d)
    }
    return out, nil
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    if !success {
        if nextAttemptAt == nil {
            // terminal failure
            _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
                id, nullIfEmpty(lastError), responseCode, latencyMs)
            return err
        }
        _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
            id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
        return err
    }
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
    return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url FROM webhook_deliveries WHERE tenant_id=$1`
    var rows *sql.Rows
    var err error
    if status != "" {
        q += ` AND status=$2 ORDER BY id LIMIT $3`
        rows, err = p.db.QueryContext(ctx, q, tenantID, status, limit)
    } else {
        q += ` ORDER BY id LIMIT $2`
        rows, err = p.db.QueryContext(ctx, q, tenantID, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []map[string]any{}
    var last string
    for rows.Next() {
        var id, typ, st, lastErr, url string
        var attempts int
        var nextAt sql.NullTime
        if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url); err != nil { return nil, "", err }
        m := map[string]any{"id": id, "eventType": typ, "status": st, "attempts": attempts, "url": url}
        if nextAt.Valid { m["nextAttemptAt"] = nextAt.Time }
        if lastErr != "" { m["lastError"] = lastErr }
        out = append(out, m)
        last = id
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    return err
}

// computeDedupKey prefers an explicit event id, otherwise a payload hash.
func computeDedupKey(payload []byte) string {
    var probe struct {
        ID string `json:"id"`
    }
    if err := json.Unmarshal(payload, &probe); err == nil && probe.ID != "" {
        return probe.ID
    }
    sum := sha256.Sum256(payload)
    return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any { if s == "" { return nil }; return s }

func toJSONB(v any) any {
    b, err := json.Marshal(v)
    if err != nil { return nil }
    return b
}

func pqStringArray(items []string) any {
    if len(items) == 0 { return nil }
    quoted := make([]string, len(items))
    for i, s := range items {
        quoted[i] = `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
    }
    return "{" + strings.Join(quoted, ",") + "}"
}

// parsePGTextArray decodes a simple {a,b,c} text array literal.
func parsePGTextArray(s string) []string {
    s = strings.TrimPrefix(strings.TrimSuffix(s, "}"), "{")
    if s == "" { return nil }
    parts := strings.Split(s, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts {
        out = append(out, strings.Trim(p, `"`))
    }
    return out
}

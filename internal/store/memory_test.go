package store

import (
    "context"
    "errors"
    "testing"
    "time"

    "delivnav/internal/model"
)

func seedDelivery(t *testing.T, m *Memory) model.DeliveryRecord {
    t.Helper()
    r, err := m.CreateDelivery(context.Background(), "t_demo", model.DeliveryRecord{
        BuyerID:  "buyer-1",
        SellerID: "seller-1",
        Pickup:   model.PointDescriptor{Text: "10 Market St"},
        Dropoff:  model.PointDescriptor{Coordinates: []float64{-73.95, 40.78}},
    })
    if err != nil {
        t.Fatalf("CreateDelivery: %v", err)
    }
    return r
}

func TestAcceptAndArriveLifecycle(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    d := seedDelivery(t, m)

    if d.Status != "pending" {
        t.Fatalf("new delivery status = %q", d.Status)
    }

    d, err := m.AcceptDelivery(ctx, "t_demo", d.ID, "driver-1")
    if err != nil {
        t.Fatalf("AcceptDelivery: %v", err)
    }
    if d.Status != "assigned" || d.DeliveryPersonID != "driver-1" {
        t.Fatalf("after accept: %+v", d)
    }

    // second accept must refuse
    if _, err := m.AcceptDelivery(ctx, "t_demo", d.ID, "driver-2"); !errors.Is(err, ErrConflict) {
        t.Fatalf("double accept err = %v, want conflict", err)
    }

    // wrong driver cannot arrive
    if _, err := m.ArrivePickup(ctx, "t_demo", d.ID, "driver-2"); !errors.Is(err, ErrForbidden) {
        t.Fatalf("foreign arrive err = %v, want forbidden", err)
    }

    d, err = m.ArrivePickup(ctx, "t_demo", d.ID, "driver-1")
    if err != nil {
        t.Fatalf("ArrivePickup: %v", err)
    }
    if d.Status != "at_pickup" {
        t.Fatalf("after arrive: %q", d.Status)
    }
}

func TestQRHandshakePickup(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    d := seedDelivery(t, m)
    if _, err := m.AcceptDelivery(ctx, "t_demo", d.ID, "driver-1"); err != nil {
        t.Fatalf("accept: %v", err)
    }

    // only the seller may present the pickup code
    if _, _, err := m.IssueQR(ctx, "t_demo", d.ID, model.QRPickup, "buyer-1", 0); !errors.Is(err, ErrForbidden) {
        t.Fatalf("buyer issuing pickup code: err = %v", err)
    }

    tok, rec, err := m.IssueQR(ctx, "t_demo", d.ID, model.QRPickup, "seller-1", 0)
    if err != nil {
        t.Fatalf("IssueQR: %v", err)
    }
    if !rec.SellerPickupConfirmed {
        t.Fatalf("issuing must record the seller confirmation")
    }
    if rec.Status == "picked_up" {
        t.Fatalf("one-sided confirmation must not advance the status")
    }

    // only the assigned driver may scan
    if _, err := m.ScanQR(ctx, "t_demo", tok.Token, "buyer-1"); !errors.Is(err, ErrForbidden) {
        t.Fatalf("non-driver scan err = %v", err)
    }

    // token is single use: the refused scan above spent it
    if _, err := m.ScanQR(ctx, "t_demo", tok.Token, "driver-1"); !errors.Is(err, ErrTokenInvalid) {
        t.Fatalf("spent token err = %v", err)
    }

    tok, _, err = m.IssueQR(ctx, "t_demo", d.ID, model.QRPickup, "seller-1", 0)
    if err != nil {
        t.Fatalf("reissue: %v", err)
    }
    rec, err = m.ScanQR(ctx, "t_demo", tok.Token, "driver-1")
    if err != nil {
        t.Fatalf("ScanQR: %v", err)
    }
    if !rec.DriverPickupConfirmed || rec.Status != "picked_up" {
        t.Fatalf("after dual confirmation: %+v", rec)
    }
}

func TestQRTokenExpiry(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    d := seedDelivery(t, m)
    if _, err := m.AcceptDelivery(ctx, "t_demo", d.ID, "driver-1"); err != nil {
        t.Fatalf("accept: %v", err)
    }

    now := time.Now()
    m.now = func() time.Time { return now }
    tok, _, err := m.IssueQR(ctx, "t_demo", d.ID, model.QRPickup, "seller-1", time.Minute)
    if err != nil {
        t.Fatalf("IssueQR: %v", err)
    }

    m.now = func() time.Time { return now.Add(2 * time.Minute) }
    if _, err := m.ScanQR(ctx, "t_demo", tok.Token, "driver-1"); !errors.Is(err, ErrTokenInvalid) {
        t.Fatalf("expired token err = %v", err)
    }
}

func TestDropoffHandshakeCompletesDelivery(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    d := seedDelivery(t, m)
    for _, step := range []func() error{
        func() error { _, err := m.AcceptDelivery(ctx, "t_demo", d.ID, "driver-1"); return err },
        func() error { _, err := m.ArrivePickup(ctx, "t_demo", d.ID, "driver-1"); return err },
    } {
        if err := step(); err != nil {
            t.Fatalf("setup: %v", err)
        }
    }
    tok, _, err := m.IssueQR(ctx, "t_demo", d.ID, model.QRPickup, "seller-1", 0)
    if err != nil {
        t.Fatalf("pickup issue: %v", err)
    }
    if _, err := m.ScanQR(ctx, "t_demo", tok.Token, "driver-1"); err != nil {
        t.Fatalf("pickup scan: %v", err)
    }

    tok, rec, err := m.IssueQR(ctx, "t_demo", d.ID, model.QRDropoff, "buyer-1", 0)
    if err != nil {
        t.Fatalf("dropoff issue: %v", err)
    }
    if !rec.BuyerDropoffConfirmed {
        t.Fatalf("buyer confirmation not recorded")
    }
    rec, err = m.ScanQR(ctx, "t_demo", tok.Token, "driver-1")
    if err != nil {
        t.Fatalf("dropoff scan: %v", err)
    }
    if rec.Status != "delivered" {
        t.Fatalf("status = %q, want delivered", rec.Status)
    }
}

func TestPositionBumpsPickedUpToTransit(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    d := seedDelivery(t, m)
    if _, err := m.AcceptDelivery(ctx, "t_demo", d.ID, "driver-1"); err != nil {
        t.Fatalf("accept: %v", err)
    }
    tok, _, err := m.IssueQR(ctx, "t_demo", d.ID, model.QRPickup, "seller-1", 0)
    if err != nil {
        t.Fatalf("issue: %v", err)
    }
    if _, err := m.ScanQR(ctx, "t_demo", tok.Token, "driver-1"); err != nil {
        t.Fatalf("scan: %v", err)
    }

    at := time.Now()
    rec, err := m.UpsertPosition(ctx, "t_demo", d.ID, model.GeoPoint{Lat: 40.76, Lng: -73.97}, at)
    if err != nil {
        t.Fatalf("UpsertPosition: %v", err)
    }
    if rec.Status != "in_transit" {
        t.Fatalf("status = %q, want in_transit", rec.Status)
    }
    p, got, err := m.LatestPosition(ctx, "t_demo", d.ID)
    if err != nil {
        t.Fatalf("LatestPosition: %v", err)
    }
    if p.Lat != 40.76 || !got.Equal(at) {
        t.Fatalf("latest position mismatch: %+v at %v", p, got)
    }
}

func TestTenantIsolation(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    d := seedDelivery(t, m)
    if _, err := m.GetDelivery(ctx, "t_other", d.ID); !errors.Is(err, ErrNotFound) {
        t.Fatalf("cross-tenant read err = %v", err)
    }
}

func TestSubscriptionsAndWebhookQueue(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()

    s, err := m.CreateSubscription(ctx, model.SubscriptionRequest{
        TenantID: "t_demo", URL: "https://example.test/hook",
        Events: []string{model.EventStageChanged}, Secret: "s3cr3t",
    })
    if err != nil {
        t.Fatalf("CreateSubscription: %v", err)
    }
    subs, err := m.GetSubscriptionsForEvent(ctx, "t_demo", model.EventStageChanged)
    if err != nil || len(subs) != 1 {
        t.Fatalf("GetSubscriptionsForEvent: %v %d", err, len(subs))
    }
    if subs, _ := m.GetSubscriptionsForEvent(ctx, "t_demo", model.EventPosition); len(subs) != 0 {
        t.Fatalf("event filter leaked: %v", subs)
    }

    id, err := m.EnqueueWebhook(ctx, "t_demo", s.ID, model.EventStageChanged, s.URL, "s3cr3t", []byte(`{"id":"evt_1"}`))
    if err != nil {
        t.Fatalf("EnqueueWebhook: %v", err)
    }
    due, err := m.FetchDueWebhookDeliveries(ctx, 10)
    if err != nil || len(due) != 1 {
        t.Fatalf("FetchDue: %v %d", err, len(due))
    }
    // in flight now, a second fetch returns nothing
    if due2, _ := m.FetchDueWebhookDeliveries(ctx, 10); len(due2) != 0 {
        t.Fatalf("in-flight delivery refetched")
    }

    next := time.Now().Add(-time.Second)
    if err := m.MarkWebhookDelivery(ctx, id, false, &next, "boom", 502, 40); err != nil {
        t.Fatalf("MarkWebhookDelivery retry: %v", err)
    }
    due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
    if len(due) != 1 || due[0].Attempts != 1 {
        t.Fatalf("retry not due: %+v", due)
    }
    if err := m.MarkWebhookDelivery(ctx, id, true, nil, "", 200, 12); err != nil {
        t.Fatalf("MarkWebhookDelivery success: %v", err)
    }
    items, _, err := m.ListWebhookDeliveries(ctx, "t_demo", "delivered", "", 10)
    if err != nil || len(items) != 1 {
        t.Fatalf("ListWebhookDeliveries: %v %d", err, len(items))
    }
}

package api

import (
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strings"
    "time"

    "delivnav/internal/metrics"
    "delivnav/internal/model"
    "delivnav/internal/stage"
    "delivnav/internal/store"
)

// DeliveriesHandler handles POST/GET /v1/deliveries
func (s *Server) DeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    switch r.Method {
    case http.MethodPost:
        pr := s.getPrincipal(r)
        var req model.DeliveryRecord
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := validateNewDelivery(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid delivery", err.Error(), r.URL.Path)
            return
        }
        rec, err := s.Store.CreateDelivery(r.Context(), pr.Tenant, req)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Create delivery failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusCreated, rec)
    case http.MethodGet:
        pr := s.getPrincipal(r)
        status := r.URL.Query().Get("status")
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListDeliveries(r.Context(), pr.Tenant, status, cursor, limit)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// DeliveryByIDHandler routes /v1/deliveries/{id} and its subresources:
// /accept, /arrive-pickup, /arrive-dropoff, /qr/{kind}[/scan], /location,
// /track, /events/stream.
func (s *Server) DeliveryByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/deliveries/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    parts := strings.Split(rest, "/")
    id := parts[0]
    pr := s.getPrincipal(r)

    if len(parts) == 1 {
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        rec, err := s.Store.GetDelivery(r.Context(), pr.Tenant, id)
        if err != nil { s.writeStoreErr(w, r, err); return }
        writeJSON(w, http.StatusOK, rec)
        return
    }

    switch parts[1] {
    case "track":
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        s.trackDelivery(w, r, pr, id)
    case "accept":
        if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
        s.command(w, r, pr, id, stage.ActionAccept, func() (model.DeliveryRecord, error) {
            return s.Store.AcceptDelivery(r.Context(), pr.Tenant, id, pr.ActorID)
        })
    case "arrive-pickup":
        if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
        s.command(w, r, pr, id, stage.ActionArrivePickup, func() (model.DeliveryRecord, error) {
            return s.Store.ArrivePickup(r.Context(), pr.Tenant, id, pr.ActorID)
        })
    case "arrive-dropoff":
        if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
        s.command(w, r, pr, id, stage.ActionArriveDropoff, func() (model.DeliveryRecord, error) {
            return s.Store.ArriveDropoff(r.Context(), pr.Tenant, id, pr.ActorID)
        })
    case "qr":
        s.qrHandler(w, r, pr, id, parts)
    case "location":
        if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
        s.publishLocation(w, r, pr, id)
    case "events":
        if len(parts) > 2 && parts[2] == "stream" {
            s.eventStream(w, r, pr, id)
            return
        }
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
    }
}

// command runs a lifecycle transition after checking the actor's current
// permissions against the stored record. Admins bypass role gating but not
// the store's own transition guards.
func (s *Server) command(w http.ResponseWriter, r *http.Request, pr Principal, id string, action stage.Action, run func() (model.DeliveryRecord, error)) {
    rec, err := s.Store.GetDelivery(r.Context(), pr.Tenant, id)
    if err != nil { s.writeStoreErr(w, r, err); return }
    if !pr.IsAdmin() {
        _, _, perms := stage.ResolveFor(rec, pr.ActorID)
        if !perms.Has(action) {
            writeProblem(w, http.StatusForbidden, "Forbidden", string(action)+" not permitted at current stage", r.URL.Path)
            return
        }
    }
    before := stage.Resolve(rec)
    rec, err = run()
    if err != nil { s.writeStoreErr(w, r, err); return }
    s.emitStageChange(r, pr.Tenant, rec, before)
    writeJSON(w, http.StatusOK, rec)
}

func (s *Server) emitStageChange(r *http.Request, tenant string, rec model.DeliveryRecord, before model.DeliveryStage) {
    after := stage.Resolve(rec)
    if after == before {
        return
    }
    data := map[string]any{
        "deliveryId": rec.ID,
        "from":       before.String(),
        "to":         after.String(),
        "status":     rec.Status,
        "ts":         time.Now().UTC().Format(time.RFC3339),
    }
    s.Pub.Emit(r.Context(), tenant, model.EventStageChanged, data)
    s.Broker.Publish(rec.ID, SSEEvent{Type: model.EventStageChanged, Data: data})
}

// qrHandler covers POST /qr/{kind} (issue) and POST /qr/{kind}/scan.
func (s *Server) qrHandler(w http.ResponseWriter, r *http.Request, pr Principal, id string, parts []string) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if len(parts) < 3 {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing code kind", r.URL.Path)
        return
    }
    kind := model.QRKind(parts[2])
    if kind != model.QRPickup && kind != model.QRDropoff {
        writeProblem(w, http.StatusBadRequest, "Invalid code kind", string(kind), r.URL.Path)
        return
    }

    rec, err := s.Store.GetDelivery(r.Context(), pr.Tenant, id)
    if err != nil { s.writeStoreErr(w, r, err); return }
    before := stage.Resolve(rec)

    if len(parts) > 3 && parts[3] == "scan" {
        action := stage.ActionScanPickupQR
        if kind == model.QRDropoff { action = stage.ActionScanDropoffQR }
        if !pr.IsAdmin() {
            _, _, perms := stage.ResolveFor(rec, pr.ActorID)
            if !perms.Has(action) {
                writeProblem(w, http.StatusForbidden, "Forbidden", string(action)+" not permitted", r.URL.Path)
                return
            }
        }
        var req struct {
            Token string `json:"token"`
        }
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", "token required", r.URL.Path)
            return
        }
        rec, err = s.Store.ScanQR(r.Context(), pr.Tenant, req.Token, pr.ActorID)
        if err != nil { s.writeStoreErr(w, r, err); return }
        data := map[string]any{"deliveryId": rec.ID, "kind": string(kind), "by": pr.ActorID, "ts": time.Now().UTC().Format(time.RFC3339)}
        s.Pub.Emit(r.Context(), pr.Tenant, model.EventQRConfirmed, data)
        s.Broker.Publish(rec.ID, SSEEvent{Type: model.EventQRConfirmed, Data: data})
        s.emitStageChange(r, pr.Tenant, rec, before)
        writeJSON(w, http.StatusOK, rec)
        return
    }

    action := stage.ActionPresentPickupQR
    if kind == model.QRDropoff { action = stage.ActionPresentDropoffQR }
    if !pr.IsAdmin() {
        _, _, perms := stage.ResolveFor(rec, pr.ActorID)
        if !perms.Has(action) {
            writeProblem(w, http.StatusForbidden, "Forbidden", string(action)+" not permitted", r.URL.Path)
            return
        }
    }
    tok, rec, err := s.Store.IssueQR(r.Context(), pr.Tenant, id, kind, pr.ActorID, s.QRTTL)
    if err != nil { s.writeStoreErr(w, r, err); return }
    data := map[string]any{"deliveryId": rec.ID, "kind": string(kind), "by": pr.ActorID, "expiresAt": tok.ExpiresAt}
    s.Pub.Emit(r.Context(), pr.Tenant, model.EventQRIssued, data)
    s.Broker.Publish(rec.ID, SSEEvent{Type: model.EventQRIssued, Data: data})
    writeJSON(w, http.StatusCreated, tok)
}

// publishLocation handles POST /v1/deliveries/{id}/location from the driver.
func (s *Server) publishLocation(w http.ResponseWriter, r *http.Request, pr Principal, id string) {
    rec, err := s.Store.GetDelivery(r.Context(), pr.Tenant, id)
    if err != nil { s.writeStoreErr(w, r, err); return }
    if !pr.IsAdmin() {
        _, _, perms := stage.ResolveFor(rec, pr.ActorID)
        if !perms.Has(stage.ActionPublishLocation) {
            writeProblem(w, http.StatusForbidden, "Forbidden", "location publishing not permitted", r.URL.Path)
            return
        }
    }
    var req model.PositionUpdate
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if !req.Point.Valid() {
        writeProblem(w, http.StatusBadRequest, "Invalid position", "lat/lng out of range", r.URL.Path)
        return
    }
    ts := req.RecordedAt
    at := time.Now()
    if ts == "" {
        ts = at.UTC().Format(time.RFC3339)
    } else if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
        at = parsed
    }
    before := stage.Resolve(rec)
    rec, err = s.Store.UpsertPosition(r.Context(), pr.Tenant, id, req.Point, at)
    if err != nil { s.writeStoreErr(w, r, err); return }
    metrics.PositionsIngested.Inc()
    s.Locations.Upsert(pr.Tenant, id, req.Point.Lat, req.Point.Lng, ts)

    data := map[string]any{"deliveryId": id, "lat": req.Point.Lat, "lng": req.Point.Lng, "ts": ts}
    s.Broker.Publish(id, SSEEvent{Type: model.EventPosition, Data: data})
    s.emitStageChange(r, pr.Tenant, rec, before)
    writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

// trackDelivery returns the full tracking snapshot for the caller: the raw
// record plus derived stage, role and permissions, and the latest known
// driver position.
func (s *Server) trackDelivery(w http.ResponseWriter, r *http.Request, pr Principal, id string) {
    rec, err := s.Store.GetDelivery(r.Context(), pr.Tenant, id)
    if err != nil { s.writeStoreErr(w, r, err); return }
    stg, role, perms := stage.ResolveFor(rec, pr.ActorID)

    resp := map[string]any{
        "record":      rec,
        "stage":       stg.String(),
        "role":        role,
        "permissions": perms.List(),
    }
    if loc, ok := s.Locations.Get(pr.Tenant, id); ok {
        resp["trackedPosition"] = map[string]any{"lat": loc.Lat, "lng": loc.Lng}
        resp["observedAt"] = loc.TS
    } else if p, at, err := s.Store.LatestPosition(r.Context(), pr.Tenant, id); err == nil {
        resp["trackedPosition"] = map[string]any{"lat": p.Lat, "lng": p.Lng}
        resp["observedAt"] = at.UTC().Format(time.RFC3339)
    }
    writeJSON(w, http.StatusOK, resp)
}

// eventStream is the SSE feed of delivery events.
func (s *Server) eventStream(w http.ResponseWriter, r *http.Request, pr Principal, id string) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    rec, err := s.Store.GetDelivery(r.Context(), pr.Tenant, id)
    if err != nil { s.writeStoreErr(w, r, err); return }
    if !pr.IsAdmin() {
        // only parties to the delivery may watch it
        if role := stage.RoleFor(rec, pr.ActorID); role == model.RoleNone {
            writeProblem(w, http.StatusForbidden, "Forbidden", "not a party to this delivery", r.URL.Path)
            return
        }
    }
    flusher, ok := w.(http.Flusher)
    if !ok { writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path); return }
    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")

    ch := s.Broker.Subscribe(id)
    defer s.Broker.Unsubscribe(id, ch)
    fmt.Fprintf(w, "event: heartbeat\n")
    fmt.Fprintf(w, "data: {\"deliveryId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
    flusher.Flush()

    notify := r.Context().Done()
    for {
        select {
        case <-notify:
            return
        case evt := <-ch:
            b, _ := json.Marshal(evt.Data)
            fmt.Fprintf(w, "event: %s\n", evt.Type)
            fmt.Fprintf(w, "data: %s\n\n", string(b))
            flusher.Flush()
        case <-time.After(15 * time.Second):
            fmt.Fprintf(w, "event: heartbeat\n")
            fmt.Fprintf(w, "data: {\"deliveryId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
            flusher.Flush()
        }
    }
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
    pr := s.getPrincipal(r)
    switch r.Method {
    case http.MethodPost:
        var req model.SubscriptionRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        req.TenantID = pr.Tenant
        if err := validateSubscription(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
            return
        }
        sub, err := s.Store.CreateSubscription(r.Context(), req)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusCreated, sub)
    case http.MethodGet:
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListSubscriptions(r.Context(), pr.Tenant, cursor, limit)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "List subscriptions failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
    id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
    if r.Method != http.MethodDelete { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    if err := s.Store.DeleteSubscription(r.Context(), pr.Tenant, id); err != nil {
        s.writeStoreErr(w, r, err)
        return
    }
    w.WriteHeader(http.StatusNoContent)
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    pr := s.getPrincipal(r)
    if !pr.IsAdmin() { writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    status := r.URL.Query().Get("status")
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListWebhookDeliveries(r.Context(), pr.Tenant, status, cursor, limit)
    if err != nil {
        writeProblem(w, http.StatusInternalServerError, "List webhook deliveries failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// WebhookDeliveryRetryHandler handles POST /v1/admin/webhook-deliveries/{id}/retry
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
    pr := s.getPrincipal(r)
    if !pr.IsAdmin() { writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path); return }
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/")
    if !strings.HasSuffix(rest, "/retry") {
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
        return
    }
    id := strings.TrimSuffix(rest, "/retry")
    if id == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    if err := s.Store.RetryWebhookDelivery(r.Context(), pr.Tenant, id); err != nil {
        s.writeStoreErr(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"retried": true})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

// writeStoreErr maps store sentinels onto problem responses.
func (s *Server) writeStoreErr(w http.ResponseWriter, r *http.Request, err error) {
    switch {
    case errors.Is(err, store.ErrNotFound):
        writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
    case errors.Is(err, store.ErrForbidden):
        writeProblem(w, http.StatusForbidden, "Forbidden", err.Error(), r.URL.Path)
    case errors.Is(err, store.ErrConflict):
        writeProblem(w, http.StatusConflict, "Conflict", err.Error(), r.URL.Path)
    case errors.Is(err, store.ErrTokenInvalid):
        writeProblem(w, http.StatusGone, "Code invalid", "the code is expired or already used", r.URL.Path)
    default:
        writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error(), r.URL.Path)
    }
}

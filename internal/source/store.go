package source

import (
    "context"
    "errors"
    "time"

    "delivnav/internal/model"
    "delivnav/internal/store"
)

// StoreSource reads snapshots straight from a store, for in-process use
// where the engine and the service share a binary.
type StoreSource struct {
    Store      store.Store
    Tenant     string
    DeliveryID string
}

func (s *StoreSource) Fetch(ctx context.Context) (model.TrackingSnapshot, error) {
    rec, err := s.Store.GetDelivery(ctx, s.Tenant, s.DeliveryID)
    if err != nil {
        return model.TrackingSnapshot{}, err
    }
    snap := model.TrackingSnapshot{Record: rec}
    p, at, err := s.Store.LatestPosition(ctx, s.Tenant, s.DeliveryID)
    if err != nil {
        if errors.Is(err, store.ErrNotFound) {
            return snap, nil
        }
        return model.TrackingSnapshot{}, err
    }
    snap.TrackedPosition = &p
    snap.ObservedAt = at.UTC().Format(time.RFC3339)
    return snap, nil
}

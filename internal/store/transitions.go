package store

import (
    "fmt"

    "delivnav/internal/model"
)

// Transition guards shared by both backends. Each mutates the record in
// place on success and returns a sentinel-wrapped error on refusal.

func acceptGuard(r *model.DeliveryRecord, driverID string) error {
    if driverID == "" {
        return fmt.Errorf("%w: driver id required", ErrForbidden)
    }
    if r.Status != "pending" || r.DeliveryPersonID != "" {
        return fmt.Errorf("%w: delivery not open for acceptance", ErrConflict)
    }
    r.DeliveryPersonID = driverID
    r.Status = "assigned"
    return nil
}

func arrivePickupGuard(r *model.DeliveryRecord, driverID string) error {
    if r.DeliveryPersonID != driverID {
        return fmt.Errorf("%w: not the assigned driver", ErrForbidden)
    }
    if r.Status != "assigned" {
        return fmt.Errorf("%w: cannot arrive at pickup from %q", ErrConflict, r.Status)
    }
    r.Status = "at_pickup"
    return nil
}

func arriveDropoffGuard(r *model.DeliveryRecord, driverID string) error {
    if r.DeliveryPersonID != driverID {
        return fmt.Errorf("%w: not the assigned driver", ErrForbidden)
    }
    if r.Status != "picked_up" && r.Status != "in_transit" {
        return fmt.Errorf("%w: cannot arrive at dropoff from %q", ErrConflict, r.Status)
    }
    r.Status = "at_dropoff"
    return nil
}

func issueGuard(r *model.DeliveryRecord, kind model.QRKind, actorID string) error {
    switch kind {
    case model.QRPickup:
        if actorID != r.SellerID {
            return fmt.Errorf("%w: only the seller presents the pickup code", ErrForbidden)
        }
        if r.Status != "assigned" && r.Status != "at_pickup" {
            return fmt.Errorf("%w: pickup code unavailable at %q", ErrConflict, r.Status)
        }
        r.SellerPickupConfirmed = true
    case model.QRDropoff:
        if actorID != r.BuyerID {
            return fmt.Errorf("%w: only the buyer presents the dropoff code", ErrForbidden)
        }
        if r.Status != "picked_up" && r.Status != "in_transit" && r.Status != "at_dropoff" {
            return fmt.Errorf("%w: dropoff code unavailable at %q", ErrConflict, r.Status)
        }
        r.BuyerDropoffConfirmed = true
    default:
        return fmt.Errorf("%w: unknown code kind %q", ErrTokenInvalid, kind)
    }
    return nil
}

func scanGuard(r *model.DeliveryRecord, kind model.QRKind, actorID string) error {
    if r.DeliveryPersonID != actorID {
        return fmt.Errorf("%w: only the assigned driver scans", ErrForbidden)
    }
    switch kind {
    case model.QRPickup:
        r.DriverPickupConfirmed = true
        if r.SellerPickupConfirmed && r.DriverPickupConfirmed {
            r.Status = "picked_up"
        }
    case model.QRDropoff:
        r.DriverDropoffConfirmed = true
        if r.BuyerDropoffConfirmed && r.DriverDropoffConfirmed {
            r.Status = "delivered"
        }
    default:
        return fmt.Errorf("%w: unknown code kind %q", ErrTokenInvalid, kind)
    }
    return nil
}

// positionGuard records movement. A first fix after pickup bumps the
// delivery into transit.
func positionGuard(r *model.DeliveryRecord) {
    if r.Status == "picked_up" {
        r.Status = "in_transit"
    }
}

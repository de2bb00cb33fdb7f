// Package stage derives the canonical delivery lifecycle stage and each
// party's permitted actions from a raw delivery record. Everything here is
// pure boolean algebra over (status, role, confirmation flags); UI-local
// state never grants a permission.
package stage

import (
    "strings"

    "delivnav/internal/model"
)

// Action is a role-gated command the actor may currently issue.
type Action string

const (
    ActionAccept          Action = "accept_delivery"
    ActionArrivePickup    Action = "arrive_pickup"
    ActionArriveDropoff   Action = "arrive_dropoff"
    ActionPresentPickupQR Action = "present_pickup_qr"
    ActionScanPickupQR    Action = "scan_pickup_qr"
    ActionPresentDropoffQR Action = "present_dropoff_qr"
    ActionScanDropoffQR   Action = "scan_dropoff_qr"
    ActionPublishLocation Action = "publish_location"
    ActionRefresh         Action = "refresh"
)

// PermissionSet is the set of actions currently permitted for one actor.
type PermissionSet map[Action]struct{}

func (s PermissionSet) Has(a Action) bool { _, ok := s[a]; return ok }

func (s PermissionSet) add(a Action) { s[a] = struct{}{} }

// List returns the permitted actions in stable order.
func (s PermissionSet) List() []Action {
    order := []Action{
        ActionAccept, ActionArrivePickup, ActionArriveDropoff,
        ActionPresentPickupQR, ActionScanPickupQR,
        ActionPresentDropoffQR, ActionScanDropoffQR,
        ActionPublishLocation, ActionRefresh,
    }
    out := make([]Action, 0, len(s))
    for _, a := range order {
        if s.Has(a) {
            out = append(out, a)
        }
    }
    return out
}

// normalizeStatus maps the raw status string to a base stage. The second
// return is false for unrecognized values, which resolve fail-closed.
func normalizeStatus(status string) (model.DeliveryStage, bool) {
    switch strings.ToLower(strings.TrimSpace(status)) {
    case "pending":
        return model.StagePending, true
    case "assigned", "accepted":
        return model.StageAssigned, true
    case "at_pickup":
        return model.StageAtPickup, true
    case "picked_up":
        return model.StagePickedUp, true
    case "in_transit":
        return model.StageInTransit, true
    case "at_dropoff":
        return model.StageAtDropoff, true
    case "delivered", "completed":
        return model.StageDelivered, true
    default:
        return model.StagePending, false
    }
}

// PickupFullyConfirmed reports both pickup confirmations.
func PickupFullyConfirmed(r model.DeliveryRecord) bool {
    return r.SellerPickupConfirmed && r.DriverPickupConfirmed
}

// DropoffFullyConfirmed reports both dropoff confirmations.
func DropoffFullyConfirmed(r model.DeliveryRecord) bool {
    return r.BuyerDropoffConfirmed && r.DriverDropoffConfirmed
}

// Resolve derives the canonical stage. The status string is the primary
// signal; full confirmations can only move the stage forward, never back.
func Resolve(r model.DeliveryRecord) model.DeliveryStage {
    st, ok := normalizeStatus(r.Status)
    if !ok {
        return model.StagePending
    }
    if DropoffFullyConfirmed(r) {
        return model.StageDelivered
    }
    if PickupFullyConfirmed(r) && st < model.StagePickedUp {
        return model.StagePickedUp
    }
    return st
}

// RoleFor computes the actor's role by comparing ids. An actor holds at most
// one role per delivery; buyer and seller take precedence over driver when
// ids collide.
func RoleFor(r model.DeliveryRecord, actorID string) model.PartyRole {
    if actorID == "" {
        return model.RoleNone
    }
    switch actorID {
    case r.BuyerID:
        return model.RoleBuyer
    case r.SellerID:
        return model.RoleSeller
    case r.DeliveryPersonID:
        return model.RoleDriver
    }
    return model.RoleNone
}

// Permitted derives the permission set for a role against a record.
// An unrecognized status denies everything except refresh.
func Permitted(r model.DeliveryRecord, role model.PartyRole) PermissionSet {
    out := PermissionSet{}
    out.add(ActionRefresh)
    if _, known := normalizeStatus(r.Status); !known {
        return out
    }
    stg := Resolve(r)

    pickupWindow := stg == model.StageAssigned || stg == model.StageAtPickup
    transit := stg == model.StagePickedUp || stg == model.StageInTransit
    dropoffWindow := transit || stg == model.StageAtDropoff

    switch role {
    case model.RoleNone:
        // a candidate driver may claim an unassigned pending delivery
        if stg == model.StagePending && r.DeliveryPersonID == "" {
            out.add(ActionAccept)
        }
    case model.RoleDriver:
        if stg == model.StageAssigned {
            out.add(ActionArrivePickup)
        }
        if pickupWindow && !r.DriverPickupConfirmed {
            out.add(ActionScanPickupQR)
        }
        if transit {
            out.add(ActionArriveDropoff)
        }
        if dropoffWindow && !r.DriverDropoffConfirmed {
            out.add(ActionScanDropoffQR)
        }
        if stg >= model.StageAssigned && stg < model.StageDelivered {
            out.add(ActionPublishLocation)
        }
    case model.RoleSeller:
        if pickupWindow && !r.DriverPickupConfirmed {
            out.add(ActionPresentPickupQR)
        }
    case model.RoleBuyer:
        if dropoffWindow && !r.DriverDropoffConfirmed {
            out.add(ActionPresentDropoffQR)
        }
    }
    return out
}

// ResolveFor is the single-call contract: stage, role and permissions for
// one actor from one fresh record. Re-deriving from the same snapshot always
// yields the same result.
func ResolveFor(r model.DeliveryRecord, actorID string) (model.DeliveryStage, model.PartyRole, PermissionSet) {
    role := RoleFor(r, actorID)
    return Resolve(r), role, Permitted(r, role)
}

// ActiveTarget selects which descriptor is the current navigation target:
// pickup until the parcel is on board, dropoff while in transit. A delivered
// record has no target.
func ActiveTarget(stg model.DeliveryStage, r model.DeliveryRecord) (model.PointDescriptor, bool) {
    switch {
    case stg >= model.StageDelivered:
        return model.PointDescriptor{}, false
    case stg >= model.StagePickedUp:
        return r.Dropoff, true
    default:
        return r.Pickup, true
    }
}

package model

import (
    "math"
    "strconv"
    "strings"
)

// Core domain types for delivery navigation.

// GeoPoint is a validated WGS-84 coordinate.
type GeoPoint struct {
    Lat float64 `json:"lat"`
    Lng float64 `json:"lng"`
}

// Valid reports whether both components are finite and in range.
// Anything failing this check is treated as absent, never as (0,0).
func (p GeoPoint) Valid() bool {
    if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) {
        return false
    }
    return math.Abs(p.Lat) <= 90 && math.Abs(p.Lng) <= 180
}

// DeliveryStage is the canonical lifecycle position of a delivery.
// It is derived from the raw record, never stored or mutated directly.
type DeliveryStage int

const (
    StagePending DeliveryStage = iota
    StageAssigned
    StageAtPickup
    StagePickedUp
    StageInTransit
    StageAtDropoff
    StageDelivered
)

func (s DeliveryStage) String() string {
    switch s {
    case StageAssigned:
        return "assigned"
    case StageAtPickup:
        return "at_pickup"
    case StagePickedUp:
        return "picked_up"
    case StageInTransit:
        return "in_transit"
    case StageAtDropoff:
        return "at_dropoff"
    case StageDelivered:
        return "delivered"
    default:
        return "pending"
    }
}

// Ordinal is the progress-bar index. picked_up and in_transit share slot 3:
// the UI and route target do not distinguish them.
func (s DeliveryStage) Ordinal() int {
    switch s {
    case StageAssigned:
        return 1
    case StageAtPickup:
        return 2
    case StagePickedUp, StageInTransit:
        return 3
    case StageAtDropoff:
        return 4
    case StageDelivered:
        return 5
    default:
        return 0
    }
}

// PartyRole identifies which side of a delivery the authenticated actor is on.
type PartyRole string

const (
    RoleNone   PartyRole = ""
    RoleBuyer  PartyRole = "buyer"
    RoleSeller PartyRole = "seller"
    RoleDriver PartyRole = "driver"
)

// PointDescriptor is how a pickup or dropoff location arrives from the
// server. Either Coordinates is a [lng, lat] pair (GeoJSON order) or Text
// holds a "lat,lng" string or a free-form address.
type PointDescriptor struct {
    Coordinates []float64 `json:"coordinates,omitempty"`
    Text        string    `json:"text,omitempty"`
}

// Key is the identity of the descriptor, computed by joining the raw values
// so that identical coordinates re-arriving on every poll do not re-trigger
// resolution work.
func (d PointDescriptor) Key() string {
    if len(d.Coordinates) > 0 {
        parts := make([]string, len(d.Coordinates))
        for i, c := range d.Coordinates {
            parts[i] = strconv.FormatFloat(c, 'f', -1, 64)
        }
        return "c:" + strings.Join(parts, ",")
    }
    return "t:" + strings.TrimSpace(d.Text)
}

// Empty reports whether the descriptor carries nothing resolvable.
func (d PointDescriptor) Empty() bool {
    return len(d.Coordinates) == 0 && strings.TrimSpace(d.Text) == ""
}

// DeliveryRecord is the raw server shape the engine consumes. Confirmation
// flags are flipped only by the QR handshake, server-side.
type DeliveryRecord struct {
    ID                     string          `json:"id"`
    TenantID               string          `json:"tenantId,omitempty"`
    Status                 string          `json:"status"`
    BuyerID                string          `json:"buyerId"`
    SellerID               string          `json:"sellerId"`
    DeliveryPersonID       string          `json:"deliveryPersonId,omitempty"`
    SellerPickupConfirmed  bool            `json:"sellerPickupConfirmed"`
    DriverPickupConfirmed  bool            `json:"driverPickupConfirmed"`
    BuyerDropoffConfirmed  bool            `json:"buyerDropoffConfirmed"`
    DriverDropoffConfirmed bool            `json:"driverDropoffConfirmed"`
    Pickup                 PointDescriptor `json:"pickup"`
    Dropoff                PointDescriptor `json:"dropoff"`
}

// TrackingSnapshot is the poll-cycle input to a session. It is replaced
// wholesale on each poll; the engine must not assume field-level diffs.
type TrackingSnapshot struct {
    Record          DeliveryRecord `json:"record"`
    TrackedPosition *GeoPoint      `json:"trackedPosition,omitempty"`
    ObservedAt      string         `json:"observedAt,omitempty"`
}

// RouteStep is one navigation instruction. Immutable once produced; a new
// route computation fully replaces the step list.
type RouteStep struct {
    Instruction     string   `json:"instruction"`
    DistanceMeters  float64  `json:"distanceMeters"`
    DurationSeconds float64  `json:"durationSeconds"`
    Start           GeoPoint `json:"start"`
    End             GeoPoint `json:"end"`
}

// RouteMetrics summarizes a computed route.
type RouteMetrics struct {
    DistanceKm  float64 `json:"distanceKm"`
    DurationMin float64 `json:"durationMin"`
    Summary     string  `json:"summary,omitempty"`
}

// RouteState is the engine's navigation output. ActiveStepIndex is
// monotonically non-decreasing within one generation and resets to 0 only
// when a new state replaces the old one.
type RouteState struct {
    Steps           []RouteStep   `json:"steps"`
    ActiveStepIndex int           `json:"activeStepIndex"`
    Path            []GeoPoint    `json:"path"`
    Metrics         *RouteMetrics `json:"metrics,omitempty"`
    Generation      uint64        `json:"generation"`
    Degraded        bool          `json:"degraded,omitempty"`
}

// Empty reports the canonical "navigation unavailable" state.
func (s RouteState) Empty() bool { return len(s.Path) == 0 }

// ActiveStep returns the current step, or nil when there are no steps.
func (s RouteState) ActiveStep() *RouteStep {
    if len(s.Steps) == 0 || s.ActiveStepIndex >= len(s.Steps) {
        return nil
    }
    st := s.Steps[s.ActiveStepIndex]
    return &st
}

// GuidanceMode selects the camera strategy.
type GuidanceMode string

const (
    GuidanceFollow   GuidanceMode = "follow"
    GuidanceOverview GuidanceMode = "overview"
)

// GuidancePose is a chase-camera instruction for follow mode.
type GuidancePose struct {
    Center         GeoPoint `json:"center"`
    HeadingDegrees float64  `json:"headingDegrees"`
    Pitch          float64  `json:"pitch"`
    Zoom           float64  `json:"zoom"`
}

// CameraBounds frames a point set for overview mode, with symmetric padding
// already applied so markers never sit flush against the viewport edge.
type CameraBounds struct {
    SouthWest GeoPoint `json:"southWest"`
    NorthEast GeoPoint `json:"northEast"`
}

// DirectionsStep, DirectionsLeg and DirectionsResult mirror the directions
// provider response shape.
type DirectionsStep struct {
    Instruction     string    `json:"instruction"`
    DistanceMeters  float64   `json:"distance"`
    DurationSeconds float64   `json:"duration"`
    Start           *GeoPoint `json:"start,omitempty"`
    End             *GeoPoint `json:"end,omitempty"`
}

type DirectionsLeg struct {
    DistanceMeters  float64          `json:"distance"`
    DurationSeconds float64          `json:"duration"`
    Summary         string           `json:"summary,omitempty"`
    Steps           []DirectionsStep `json:"steps"`
}

type DirectionsResult struct {
    Legs             []DirectionsLeg `json:"legs"`
    OverviewPolyline string          `json:"overviewPolyline"`
}

// QRKind distinguishes the two handshake tokens.
type QRKind string

const (
    QRPickup  QRKind = "pickup"
    QRDropoff QRKind = "dropoff"
)

// QRToken is a single-use handshake token. Issuing one records the issuer's
// confirmation; a successful scan records the scanner's.
type QRToken struct {
    Token      string `json:"token"`
    DeliveryID string `json:"deliveryId"`
    Kind       QRKind `json:"kind"`
    IssuedBy   string `json:"issuedBy"`
    ExpiresAt  string `json:"expiresAt"`
}

// PositionUpdate is one driver position as published to the API.
type PositionUpdate struct {
    DeliveryID string   `json:"deliveryId"`
    Point      GeoPoint `json:"point"`
    RecordedAt string   `json:"recordedAt,omitempty"`
}

type SubscriptionRequest struct {
    TenantID string   `json:"tenantId"`
    URL      string   `json:"url"`
    Events   []string `json:"events"`
    Secret   string   `json:"secret"`
}

type Subscription struct {
    ID       string   `json:"id"`
    TenantID string   `json:"tenantId"`
    URL      string   `json:"url"`
    Events   []string `json:"events"`
    Secret   string   `json:"secret,omitempty"`
}

// Event types published to brokers and webhook subscribers.
const (
    EventStageChanged = "delivery.stage.changed"
    EventPosition     = "delivery.position"
    EventQRIssued     = "delivery.qr.issued"
    EventQRConfirmed  = "delivery.qr.confirmed"
)

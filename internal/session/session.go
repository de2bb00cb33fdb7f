// Package session owns one delivery's navigation state: stage, route,
// guidance pose and the live location feed. One Session is scoped to one
// delivery id; inputs arrive as discrete events (poll tick, position tick,
// user action) and each produces a complete new state, never a partial one.
package session

import (
    "context"
    "log"
    "sync"

    "delivnav/internal/feed"
    "delivnav/internal/guidance"
    "delivnav/internal/model"
    "delivnav/internal/resolve"
    "delivnav/internal/route"
    "delivnav/internal/stage"
)

// State is the session's full derived output, replaced wholesale on every
// event.
type State struct {
    Stage       model.DeliveryStage `json:"stage"`
    Role        model.PartyRole     `json:"role"`
    Permissions []stage.Action      `json:"permissions"`
    Route       model.RouteState    `json:"route"`
    Pose        *model.GuidancePose `json:"pose,omitempty"`
    Bounds      *model.CameraBounds `json:"bounds,omitempty"`
    Mode        model.GuidanceMode  `json:"mode"`
    LiveActive  bool                `json:"liveActive"`
}

// Config aggregates the engine tunables.
type Config struct {
    Route    route.Config
    Feed     feed.Config
    Guidance guidance.Config
}

// Session drives navigation for a single delivery. All event entry points
// are safe for concurrent use; each is processed to completion under one
// lock so no two recomputations race to write the result.
type Session struct {
    deliveryID string
    actorID    string

    resolver *resolve.Resolver
    engine   *route.Engine
    guide    *guidance.Controller
    feed     *feed.Feed
    cfg      Config

    mu         sync.Mutex
    mode       model.GuidanceMode
    record     model.DeliveryRecord
    hasRecord  bool
    stage      model.DeliveryStage
    role       model.PartyRole
    perms      stage.PermissionSet
    pickup     *model.GeoPoint
    dropoff    *model.GeoPoint
    pickupKey  string
    dropoffKey string
    actorPos   *model.GeoPoint
    liveActive bool
    feedDone   chan struct{}
    disposed   bool

    onState func(State)
}

// New creates a session for one delivery. src and pusher may be nil for
// observers without a live feed. onState, when set, receives every derived
// state outside the session lock.
func New(deliveryID, actorID string, geocoder resolve.Geocoder, dirs route.Directions, src feed.Source, pusher feed.Pusher, cfg Config, onState func(State)) *Session {
    s := &Session{
        deliveryID: deliveryID,
        actorID:    actorID,
        resolver:   resolve.New(geocoder),
        guide:      guidance.New(cfg.Guidance),
        cfg:        cfg,
        mode:       model.GuidanceFollow,
        onState:    onState,
    }
    s.engine = route.NewEngine(dirs, cfg.Route, func(model.RouteState) { s.emit() })
    if src != nil {
        s.feed = feed.New(deliveryID, src, pusher, cfg.Feed)
    }
    return s
}

// OnSnapshot applies one tracking snapshot. The record replaces the previous
// one wholesale; stage, role and permissions are re-derived, descriptors are
// re-resolved only when their identity key changed, and the route engine's
// inputs are updated.
func (s *Session) OnSnapshot(ctx context.Context, snap model.TrackingSnapshot) {
    s.mu.Lock()
    if s.disposed {
        s.mu.Unlock()
        return
    }
    s.record = snap.Record
    s.hasRecord = true
    s.stage, s.role, s.perms = stage.ResolveFor(snap.Record, s.actorID)

    pickupChanged := snap.Record.Pickup.Key() != s.pickupKey
    dropoffChanged := snap.Record.Dropoff.Key() != s.dropoffKey
    s.pickupKey = snap.Record.Pickup.Key()
    s.dropoffKey = snap.Record.Dropoff.Key()

    if snap.TrackedPosition != nil && snap.TrackedPosition.Valid() && !s.liveActive {
        // observers follow the tracked party's polled position
        p := *snap.TrackedPosition
        s.actorPos = &p
    }
    s.mu.Unlock()

    if pickupChanged || dropoffChanged {
        pickup, dropoff := s.resolver.Pair(ctx, snap.Record.Pickup, snap.Record.Dropoff)
        s.mu.Lock()
        if s.disposed {
            s.mu.Unlock()
            return
        }
        s.pickup, s.dropoff = pickup, dropoff
        s.mu.Unlock()
    }

    s.refreshRoute()
    s.emit()
}

// OnPosition applies one live position tick from the local feed.
func (s *Session) OnPosition(p model.GeoPoint) {
    if !p.Valid() {
        return
    }
    s.mu.Lock()
    if s.disposed {
        s.mu.Unlock()
        return
    }
    s.actorPos = &p
    s.mu.Unlock()

    s.engine.OnPosition(p)
    s.refreshRoute()
    s.emit()
}

// Recalculate forces an immediate route recomputation, bypassing debounce.
func (s *Session) Recalculate() {
    s.engine.Recalculate()
}

// SetMode switches the guidance mode. Route state is untouched; only the
// pose function changes.
func (s *Session) SetMode(mode model.GuidanceMode) {
    s.mu.Lock()
    s.mode = mode
    s.mu.Unlock()
    s.emit()
}

// StartLiveFeed begins the device location stream. Only the driver role
// publishes upstream; any other role starts an observe-only stream. On
// permission denial the session degrades to overview guidance over the last
// tracked position and the error is returned for a one-time user notice.
func (s *Session) StartLiveFeed(ctx context.Context) error {
    s.mu.Lock()
    if s.feed == nil || s.disposed {
        s.mu.Unlock()
        return nil
    }
    publish := s.role == model.RoleDriver && s.perms.Has(stage.ActionPublishLocation)
    s.mu.Unlock()

    ch, err := s.feed.Start(ctx, publish)
    if err != nil {
        s.mu.Lock()
        s.liveActive = false
        s.mode = model.GuidanceOverview
        s.mu.Unlock()
        s.emit()
        return err
    }

    done := make(chan struct{})
    s.mu.Lock()
    s.liveActive = true
    s.feedDone = done
    s.mu.Unlock()
    s.emit()

    go func() {
        defer close(done)
        for p := range ch {
            s.OnPosition(p)
        }
        // feed ended: signal loss or permission revoked mid-session
        s.mu.Lock()
        if s.disposed {
            s.mu.Unlock()
            return
        }
        s.liveActive = false
        s.mode = model.GuidanceOverview
        s.mu.Unlock()
        log.Printf("live feed for %s ended; degrading to overview", s.deliveryID)
        s.emit()
    }()
    return nil
}

// StopLiveFeed releases the device subscription.
func (s *Session) StopLiveFeed() {
    s.mu.Lock()
    f := s.feed
    s.mu.Unlock()
    if f != nil {
        f.Stop()
    }
}

// State derives the current full session state.
func (s *Session) State() State {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.stateLocked()
}

func (s *Session) stateLocked() State {
    st := State{
        Stage:      s.stage,
        Role:       s.role,
        Route:      s.engine.State(),
        Mode:       s.mode,
        LiveActive: s.liveActive,
    }
    if s.perms != nil {
        st.Permissions = s.perms.List()
    }
    switch s.mode {
    case model.GuidanceOverview:
        if b, ok := s.guide.Overview(s.pickup, s.dropoff, s.actorPos); ok {
            st.Bounds = &b
        }
    default:
        if s.actorPos != nil {
            pose := s.guide.Follow(*s.actorPos, st.Route.ActiveStep(), s.activeTargetLocked())
            st.Pose = &pose
        }
    }
    return st
}

// refreshRoute feeds the engine the latest (origin, target) pair.
func (s *Session) refreshRoute() {
    s.mu.Lock()
    if s.disposed || !s.hasRecord {
        s.mu.Unlock()
        return
    }
    origin := s.actorPos
    target := s.activeTargetLocked()
    s.mu.Unlock()
    s.engine.SetInputs(origin, target)
}

// activeTargetLocked picks the resolved coordinate for the stage's target.
func (s *Session) activeTargetLocked() *model.GeoPoint {
    desc, ok := stage.ActiveTarget(s.stage, s.record)
    if !ok {
        return nil
    }
    if desc.Key() == s.pickupKey {
        return s.pickup
    }
    return s.dropoff
}

func (s *Session) emit() {
    if s.onState == nil {
        return
    }
    s.mu.Lock()
    if s.disposed {
        s.mu.Unlock()
        return
    }
    st := s.stateLocked()
    s.mu.Unlock()
    s.onState(st)
}

// Dispose tears the session down: the debounce timer is cancelled and the
// location feed stopped, so no stale push can reach a wrong delivery.
// Safe to call more than once.
func (s *Session) Dispose() {
    s.mu.Lock()
    if s.disposed {
        s.mu.Unlock()
        return
    }
    s.disposed = true
    f := s.feed
    s.mu.Unlock()

    s.engine.Close()
    if f != nil {
        f.Stop()
    }
}

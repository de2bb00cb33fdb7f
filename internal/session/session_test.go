package session

import (
    "context"
    "errors"
    "sync/atomic"
    "testing"
    "time"

    "delivnav/internal/feed"
    "delivnav/internal/geo"
    "delivnav/internal/model"
    "delivnav/internal/nav"
    "delivnav/internal/route"
    "delivnav/internal/stage"
)

type fakeGeocoder struct {
    calls int64
}

func (g *fakeGeocoder) Geocode(ctx context.Context, text string) (model.GeoPoint, error) {
    atomic.AddInt64(&g.calls, 1)
    return model.GeoPoint{Lat: 40.0, Lng: -74.0}, nil
}

func (g *fakeGeocoder) ReverseGeocode(ctx context.Context, p model.GeoPoint) (string, error) {
    return "somewhere", nil
}

type fakeDirections struct {
    calls int64
}

func (d *fakeDirections) GetRoute(ctx context.Context, origin, dest model.GeoPoint) (model.DirectionsResult, error) {
    atomic.AddInt64(&d.calls, 1)
    poly := geo.EncodePolyline([]model.GeoPoint{origin, dest})
    return model.DirectionsResult{
        OverviewPolyline: poly,
        Legs: []model.DirectionsLeg{{
            DistanceMeters:  1200,
            DurationSeconds: 300,
            Summary:         "Main St",
            Steps: []model.DirectionsStep{{
                Instruction:     "Head north",
                DistanceMeters:  1200,
                DurationSeconds: 300,
                Start:           &origin,
                End:             &dest,
            }},
        }},
    }, nil
}

type fakeSource struct {
    denied   bool
    fixes    chan model.GeoPoint
    released int64
}

func (s *fakeSource) RequestPermission(ctx context.Context) error {
    if s.denied {
        return nav.ErrPermissionDenied
    }
    return nil
}

func (s *fakeSource) Subscribe(ctx context.Context) (<-chan model.GeoPoint, func(), error) {
    return s.fixes, func() { atomic.AddInt64(&s.released, 1) }, nil
}

type fakePusher struct{ pushes int64 }

func (p *fakePusher) Push(ctx context.Context, deliveryID string, pt model.GeoPoint) error {
    atomic.AddInt64(&p.pushes, 1)
    return nil
}

func fastConfig() Config {
    return Config{
        Route: route.Config{QuietPeriod: 10 * time.Millisecond, AdvanceThresholdM: 35, RequestTimeout: time.Second},
        Feed:  feed.Config{MinDistanceM: 5, MaxInterval: time.Minute},
    }
}

func record(status string) model.DeliveryRecord {
    return model.DeliveryRecord{
        ID:               "d1",
        Status:           status,
        BuyerID:          "buyer-1",
        SellerID:         "seller-1",
        DeliveryPersonID: "driver-1",
        Pickup:           model.PointDescriptor{Coordinates: []float64{-73.99, 40.75}},
        Dropoff:          model.PointDescriptor{Coordinates: []float64{-73.95, 40.78}},
    }
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for time.Now().Before(deadline) {
        if cond() {
            return
        }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("condition not met within %v", timeout)
}

func TestSnapshotDerivesStageRoleAndRoute(t *testing.T) {
    dirs := &fakeDirections{}
    s := New("d1", "driver-1", &fakeGeocoder{}, dirs, nil, nil, fastConfig(), nil)
    defer s.Dispose()

    s.OnSnapshot(context.Background(), model.TrackingSnapshot{Record: record("assigned")})
    s.OnPosition(model.GeoPoint{Lat: 40.74, Lng: -73.99})

    waitFor(t, 2*time.Second, func() bool {
        return atomic.LoadInt64(&dirs.calls) >= 1 && !s.State().Route.Empty()
    })

    st := s.State()
    if st.Stage != model.StageAssigned {
        t.Fatalf("stage = %v, want assigned", st.Stage)
    }
    if st.Role != model.RoleDriver {
        t.Fatalf("role = %v, want driver", st.Role)
    }
    found := false
    for _, a := range st.Permissions {
        if a == stage.ActionArrivePickup {
            found = true
        }
    }
    if !found {
        t.Fatalf("driver at assigned should be permitted arrive_pickup, got %v", st.Permissions)
    }
    if st.Route.Metrics == nil || st.Route.Metrics.Summary != "Main St" {
        t.Fatalf("route metrics missing: %+v", st.Route.Metrics)
    }
}

func TestTargetSwitchesToDropoffAfterPickup(t *testing.T) {
    dirs := &fakeDirections{}
    s := New("d1", "driver-1", &fakeGeocoder{}, dirs, nil, nil, fastConfig(), nil)
    defer s.Dispose()

    s.OnSnapshot(context.Background(), model.TrackingSnapshot{Record: record("assigned")})
    s.OnPosition(model.GeoPoint{Lat: 40.74, Lng: -73.99})
    waitFor(t, 2*time.Second, func() bool { return !s.State().Route.Empty() })

    pickupEnd := s.State().Route.Path[len(s.State().Route.Path)-1]
    if got := (model.GeoPoint{Lat: 40.75, Lng: -73.99}); geo.HaversineMeters(pickupEnd, got) > 5 {
        t.Fatalf("before pickup the route should end at the pickup point, got %+v", pickupEnd)
    }

    s.OnSnapshot(context.Background(), model.TrackingSnapshot{Record: record("picked_up")})
    waitFor(t, 2*time.Second, func() bool {
        st := s.State().Route
        if st.Empty() {
            return false
        }
        end := st.Path[len(st.Path)-1]
        return geo.HaversineMeters(end, model.GeoPoint{Lat: 40.78, Lng: -73.95}) < 5
    })
}

func TestModeSwitchProducesBoundsThenPose(t *testing.T) {
    s := New("d1", "buyer-1", &fakeGeocoder{}, &fakeDirections{}, nil, nil, fastConfig(), nil)
    defer s.Dispose()

    s.OnSnapshot(context.Background(), model.TrackingSnapshot{
        Record:          record("in_transit"),
        TrackedPosition: &model.GeoPoint{Lat: 40.76, Lng: -73.97},
        ObservedAt:      time.Now().UTC().Format(time.RFC3339),
    })

    s.SetMode(model.GuidanceOverview)
    st := s.State()
    if st.Bounds == nil {
        t.Fatalf("overview mode should yield camera bounds")
    }
    if st.Pose != nil {
        t.Fatalf("overview mode should not yield a follow pose")
    }

    s.SetMode(model.GuidanceFollow)
    st = s.State()
    if st.Pose == nil {
        t.Fatalf("follow mode should yield a pose once a position is known")
    }
    if st.Bounds != nil {
        t.Fatalf("follow mode should not yield bounds")
    }
}

func TestLiveFeedPermissionDeniedDegradesToOverview(t *testing.T) {
    src := &fakeSource{denied: true, fixes: make(chan model.GeoPoint)}
    s := New("d1", "driver-1", &fakeGeocoder{}, &fakeDirections{}, src, &fakePusher{}, fastConfig(), nil)
    defer s.Dispose()

    s.OnSnapshot(context.Background(), model.TrackingSnapshot{Record: record("assigned")})
    err := s.StartLiveFeed(context.Background())
    if !errors.Is(err, nav.ErrPermissionDenied) {
        t.Fatalf("StartLiveFeed err = %v, want ErrPermissionDenied", err)
    }
    st := s.State()
    if st.LiveActive {
        t.Fatalf("live should not be active after denial")
    }
    if st.Mode != model.GuidanceOverview {
        t.Fatalf("mode = %v, want overview fallback", st.Mode)
    }
}

func TestLiveFeedDrivesPositionsAndPushes(t *testing.T) {
    src := &fakeSource{fixes: make(chan model.GeoPoint, 4)}
    pusher := &fakePusher{}
    s := New("d1", "driver-1", &fakeGeocoder{}, &fakeDirections{}, src, pusher, fastConfig(), nil)
    defer s.Dispose()

    s.OnSnapshot(context.Background(), model.TrackingSnapshot{Record: record("assigned")})
    if err := s.StartLiveFeed(context.Background()); err != nil {
        t.Fatalf("StartLiveFeed: %v", err)
    }
    if !s.State().LiveActive {
        t.Fatalf("live should be active after start")
    }

    src.fixes <- model.GeoPoint{Lat: 40.74, Lng: -73.99}
    waitFor(t, 2*time.Second, func() bool {
        st := s.State()
        return st.Pose != nil && atomic.LoadInt64(&pusher.pushes) >= 1
    })
}

func TestFeedEndDegradesToOverview(t *testing.T) {
    src := &fakeSource{fixes: make(chan model.GeoPoint, 1)}
    s := New("d1", "driver-1", &fakeGeocoder{}, &fakeDirections{}, src, &fakePusher{}, fastConfig(), nil)
    defer s.Dispose()

    s.OnSnapshot(context.Background(), model.TrackingSnapshot{Record: record("assigned")})
    if err := s.StartLiveFeed(context.Background()); err != nil {
        t.Fatalf("StartLiveFeed: %v", err)
    }
    close(src.fixes)
    waitFor(t, 2*time.Second, func() bool {
        st := s.State()
        return !st.LiveActive && st.Mode == model.GuidanceOverview
    })
}

func TestDisposeStopsFeedAndIgnoresEvents(t *testing.T) {
    src := &fakeSource{fixes: make(chan model.GeoPoint)}
    s := New("d1", "driver-1", &fakeGeocoder{}, &fakeDirections{}, src, &fakePusher{}, fastConfig(), nil)

    s.OnSnapshot(context.Background(), model.TrackingSnapshot{Record: record("assigned")})
    if err := s.StartLiveFeed(context.Background()); err != nil {
        t.Fatalf("StartLiveFeed: %v", err)
    }
    s.Dispose()
    waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt64(&src.released) == 1 })

    s.OnPosition(model.GeoPoint{Lat: 40.7, Lng: -74.0})
    if st := s.State(); st.Pose != nil {
        t.Fatalf("disposed session should ignore position events")
    }
    s.Dispose() // idempotent
}

func TestUnknownStatusRefreshOnly(t *testing.T) {
    s := New("d1", "driver-1", &fakeGeocoder{}, &fakeDirections{}, nil, nil, fastConfig(), nil)
    defer s.Dispose()

    s.OnSnapshot(context.Background(), model.TrackingSnapshot{Record: record("exploded")})
    st := s.State()
    if st.Stage != model.StagePending {
        t.Fatalf("unknown status should map to pending, got %v", st.Stage)
    }
    if len(st.Permissions) != 1 || st.Permissions[0] != stage.ActionRefresh {
        t.Fatalf("unknown status should leave refresh only, got %v", st.Permissions)
    }
}

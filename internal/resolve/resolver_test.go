package resolve

import (
    "context"
    "errors"
    "fmt"
    "sync/atomic"
    "testing"

    "delivnav/internal/model"
    "delivnav/internal/nav"
)

type fakeGeocoder struct {
    calls int32
    point model.GeoPoint
    err   error
}

func (f *fakeGeocoder) Geocode(_ context.Context, _ string) (model.GeoPoint, error) {
    atomic.AddInt32(&f.calls, 1)
    return f.point, f.err
}

func (f *fakeGeocoder) ReverseGeocode(_ context.Context, _ model.GeoPoint) (string, error) {
    return "", errors.New("not implemented")
}

func TestResolveStructuredPair(t *testing.T) {
    g := &fakeGeocoder{}
    r := New(g)
    // GeoJSON order: [lng, lat]
    p := r.Resolve(context.Background(), model.PointDescriptor{Coordinates: []float64{13.405, 52.52}})
    if p == nil || p.Lat != 52.52 || p.Lng != 13.405 {
        t.Fatalf("got %+v", p)
    }
    if g.calls != 0 {
        t.Fatal("structured pair must not hit the geocoder")
    }
}

func TestResolveLatLngText(t *testing.T) {
    r := New(&fakeGeocoder{err: errors.New("unreachable")})
    p := r.Resolve(context.Background(), model.PointDescriptor{Text: " 40.7 , -73.99 "})
    if p == nil || p.Lat != 40.7 || p.Lng != -73.99 {
        t.Fatalf("got %+v", p)
    }
}

func TestInvalidCoordinateStringFallsBackToGeocoder(t *testing.T) {
    // "91,200" parses but fails validation, so the geocoder is consulted
    g := &fakeGeocoder{err: errors.New("no result")}
    r := New(g)
    p := r.Resolve(context.Background(), model.PointDescriptor{Text: "91,200"})
    if p != nil {
        t.Fatalf("expected absent, got %+v", p)
    }
    if g.calls != 1 {
        t.Fatalf("geocoder should have been consulted once, got %d", g.calls)
    }
}

func TestGeocoderSuccess(t *testing.T) {
    g := &fakeGeocoder{point: model.GeoPoint{Lat: 48.85, Lng: 2.35}}
    r := New(g)
    p := r.Resolve(context.Background(), model.PointDescriptor{Text: "12 Rue de Rivoli, Paris"})
    if p == nil || p.Lat != 48.85 {
        t.Fatalf("got %+v", p)
    }
}

func TestGeocoderNonFiniteResultIsAbsent(t *testing.T) {
    g := &fakeGeocoder{point: model.GeoPoint{Lat: 200, Lng: 0}}
    r := New(g)
    if p := r.Resolve(context.Background(), model.PointDescriptor{Text: "somewhere"}); p != nil {
        t.Fatalf("invalid geocoder result must be absent, got %+v", p)
    }
}

func TestIdentityKeyMemoization(t *testing.T) {
    g := &fakeGeocoder{point: model.GeoPoint{Lat: 1, Lng: 2}}
    r := New(g)
    d := model.PointDescriptor{Text: "main street 5"}
    for i := 0; i < 5; i++ {
        if p := r.Resolve(context.Background(), d); p == nil {
            t.Fatal("expected point")
        }
    }
    if g.calls != 1 {
        t.Fatalf("identical descriptor must resolve once, got %d calls", g.calls)
    }
    // a different identity key re-triggers work
    if p := r.Resolve(context.Background(), model.PointDescriptor{Text: "other street 9"}); p == nil {
        t.Fatal("expected point")
    }
    if g.calls != 2 {
        t.Fatalf("expected second lookup, got %d calls", g.calls)
    }
}

// flakyGeocoder fails the first failUntil calls, then serves point.
type flakyGeocoder struct {
    calls     int32
    failUntil int32
    err       error
    point     model.GeoPoint
}

func (f *flakyGeocoder) Geocode(_ context.Context, _ string) (model.GeoPoint, error) {
    n := atomic.AddInt32(&f.calls, 1)
    if n <= f.failUntil {
        return model.GeoPoint{}, f.err
    }
    return f.point, nil
}

func (f *flakyGeocoder) ReverseGeocode(_ context.Context, _ model.GeoPoint) (string, error) {
    return "", errors.New("not implemented")
}

func TestTransientGeocoderFailureIsRetried(t *testing.T) {
    g := &flakyGeocoder{
        failUntil: 1,
        err:       fmt.Errorf("%w: geocode: connection refused", nav.ErrUpstreamUnavailable),
        point:     model.GeoPoint{Lat: 48.85, Lng: 2.35},
    }
    r := New(g)
    d := model.PointDescriptor{Text: "12 Rue de Rivoli, Paris"}
    if p := r.Resolve(context.Background(), d); p != nil {
        t.Fatalf("first lookup should be absent, got %+v", p)
    }
    p := r.Resolve(context.Background(), d)
    if p == nil || p.Lat != 48.85 {
        t.Fatalf("upstream recovered, expected point, got %+v", p)
    }
    if g.calls != 2 {
        t.Fatalf("expected a retry after the transient failure, got %d calls", g.calls)
    }
}

func TestDefinitiveGeocoderMissIsCached(t *testing.T) {
    g := &fakeGeocoder{err: errors.New("no geocode results")}
    r := New(g)
    d := model.PointDescriptor{Text: "nowhere at all"}
    for i := 0; i < 3; i++ {
        if p := r.Resolve(context.Background(), d); p != nil {
            t.Fatalf("expected absent, got %+v", p)
        }
    }
    if g.calls != 1 {
        t.Fatalf("a definitive miss must be cached, got %d calls", g.calls)
    }
}

func TestPairIndependence(t *testing.T) {
    g := &fakeGeocoder{err: errors.New("down")}
    r := New(g)
    pickup := model.PointDescriptor{Coordinates: []float64{2.35, 48.85}}
    dropoff := model.PointDescriptor{Text: "unresolvable place"}
    p, d := r.Pair(context.Background(), pickup, dropoff)
    if p == nil {
        t.Fatal("pickup failure independence: pickup should resolve")
    }
    if d != nil {
        t.Fatalf("dropoff should be absent, got %+v", d)
    }
}

func TestEmptyDescriptor(t *testing.T) {
    r := New(&fakeGeocoder{})
    if p := r.Resolve(context.Background(), model.PointDescriptor{}); p != nil {
        t.Fatalf("empty descriptor should be absent, got %+v", p)
    }
}

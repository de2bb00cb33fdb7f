package directions

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "net/http/httptest"
    "sync/atomic"
    "testing"

    "delivnav/internal/geo"
    "delivnav/internal/model"
    "delivnav/internal/nav"
)

func testRouteBody(t *testing.T, path []model.GeoPoint) []byte {
    t.Helper()
    poly := geo.EncodePolyline(path)
    body := map[string]any{
        "routes": []map[string]any{{
            "summary":  map[string]any{"distance": 1500.0, "duration": 420.0},
            "geometry": poly,
            "segments": []map[string]any{{
                "distance": 1500.0,
                "duration": 420.0,
                "steps": []map[string]any{
                    {"instruction": "Head north on Main St", "name": "Main St", "distance": 900.0, "duration": 240.0, "way_points": []int{0, 1}},
                    {"instruction": "Arrive at destination", "name": "-", "distance": 600.0, "duration": 180.0, "way_points": []int{1, 2}},
                },
            }},
        }},
    }
    b, err := json.Marshal(body)
    if err != nil {
        t.Fatalf("marshal route body: %v", err)
    }
    return b
}

func TestGetRouteMapsSegmentsAndWayPoints(t *testing.T) {
    path := []model.GeoPoint{
        {Lat: 40.70, Lng: -74.00},
        {Lat: 40.72, Lng: -73.99},
        {Lat: 40.75, Lng: -73.98},
    }
    var gotAuth string
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if r.URL.Path != "/v2/directions/driving-car" {
            t.Errorf("path = %s", r.URL.Path)
        }
        gotAuth = r.Header.Get("Authorization")
        var req struct {
            Coordinates [][]float64 `json:"coordinates"`
        }
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            t.Errorf("decode request: %v", err)
        }
        if len(req.Coordinates) != 2 || req.Coordinates[0][0] != -74.00 {
            t.Errorf("coordinates not in lng,lat order: %v", req.Coordinates)
        }
        w.Header().Set("Content-Type", "application/json")
        w.Write(testRouteBody(t, path))
    }))
    defer srv.Close()

    c, err := NewClient(srv.URL, "test-key")
    if err != nil {
        t.Fatalf("NewClient: %v", err)
    }
    res, err := c.GetRoute(context.Background(), path[0], path[2])
    if err != nil {
        t.Fatalf("GetRoute: %v", err)
    }
    if gotAuth != "test-key" {
        t.Fatalf("auth header = %q", gotAuth)
    }
    if len(res.Legs) != 1 || len(res.Legs[0].Steps) != 2 {
        t.Fatalf("legs/steps shape: %+v", res.Legs)
    }
    if res.Legs[0].Summary != "Main St" {
        t.Fatalf("summary = %q", res.Legs[0].Summary)
    }
    st := res.Legs[0].Steps[0]
    if st.Start == nil || st.End == nil {
        t.Fatalf("step endpoints not resolved from way_points")
    }
    if got := geo.HaversineMeters(*st.End, path[1]); got > 2 {
        t.Fatalf("step end off by %.1fm", got)
    }
    decoded := geo.DecodePolyline(res.OverviewPolyline)
    if len(decoded) != 3 {
        t.Fatalf("overview polyline decoded to %d points", len(decoded))
    }
}

func TestGetRouteRetriesTransientFailures(t *testing.T) {
    var calls int64
    path := []model.GeoPoint{{Lat: 40.70, Lng: -74.00}, {Lat: 40.75, Lng: -73.98}}
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if atomic.AddInt64(&calls, 1) < 3 {
            w.WriteHeader(http.StatusServiceUnavailable)
            return
        }
        w.Write(testRouteBody(t, path))
    }))
    defer srv.Close()

    c, _ := NewClient(srv.URL, "test-key")
    if _, err := c.GetRoute(context.Background(), path[0], path[1]); err != nil {
        t.Fatalf("GetRoute after retries: %v", err)
    }
    if n := atomic.LoadInt64(&calls); n != 3 {
        t.Fatalf("calls = %d, want 3", n)
    }
}

func TestGetRouteDoesNotRetryClientError(t *testing.T) {
    var calls int64
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        atomic.AddInt64(&calls, 1)
        w.WriteHeader(http.StatusBadRequest)
    }))
    defer srv.Close()

    c, _ := NewClient(srv.URL, "test-key")
    _, err := c.GetRoute(context.Background(), model.GeoPoint{Lat: 1, Lng: 1}, model.GeoPoint{Lat: 2, Lng: 2})
    if !errors.Is(err, nav.ErrUpstreamUnavailable) {
        t.Fatalf("err = %v, want upstream unavailable", err)
    }
    if n := atomic.LoadInt64(&calls); n != 1 {
        t.Fatalf("calls = %d, want 1 (400 must not retry)", n)
    }
}

func TestGeocodeParsesGeoJSONOrder(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if r.URL.Path != "/geocode/search" {
            t.Errorf("path = %s", r.URL.Path)
        }
        if got := r.URL.Query().Get("text"); got != "30 Main St" {
            t.Errorf("text = %q (whitespace should collapse)", got)
        }
        w.Write([]byte(`{"features":[{"geometry":{"coordinates":[-73.99,40.71]},"properties":{"label":"30 Main St, New York"}}]}`))
    }))
    defer srv.Close()

    c, _ := NewClient(srv.URL, "test-key")
    p, err := c.Geocode(context.Background(), "  30   Main St ")
    if err != nil {
        t.Fatalf("Geocode: %v", err)
    }
    if p.Lat != 40.71 || p.Lng != -73.99 {
        t.Fatalf("point = %+v, lat/lng swapped?", p)
    }
}

func TestGeocodeNoResults(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.Write([]byte(`{"features":[]}`))
    }))
    defer srv.Close()

    c, _ := NewClient(srv.URL, "test-key")
    if _, err := c.Geocode(context.Background(), "nowhere at all"); err == nil {
        t.Fatalf("expected error for zero features")
    }
}

func TestReverseGeocode(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if r.URL.Path != "/geocode/reverse" {
            t.Errorf("path = %s", r.URL.Path)
        }
        if r.URL.Query().Get("point.lat") == "" || r.URL.Query().Get("point.lon") == "" {
            t.Errorf("missing point params: %s", r.URL.RawQuery)
        }
        w.Write([]byte(`{"features":[{"geometry":{"coordinates":[-73.99,40.71]},"properties":{"label":"30 Main St, New York"}}]}`))
    }))
    defer srv.Close()

    c, _ := NewClient(srv.URL, "test-key")
    label, err := c.ReverseGeocode(context.Background(), model.GeoPoint{Lat: 40.71, Lng: -73.99})
    if err != nil {
        t.Fatalf("ReverseGeocode: %v", err)
    }
    if label != "30 Main St, New York" {
        t.Fatalf("label = %q", label)
    }
}

func TestNewClientRequiresKey(t *testing.T) {
    if _, err := NewClient("http://x", ""); err == nil {
        t.Fatalf("expected error for empty api key")
    }
}

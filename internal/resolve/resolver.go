// Package resolve turns pickup/dropoff descriptors into coordinates, falling
// back to an external geocoder. Resolution never fails loudly: anything that
// cannot be resolved comes back absent.
package resolve

import (
    "context"
    "errors"
    "log"
    "regexp"
    "strconv"
    "strings"
    "sync"

    "delivnav/internal/model"
    "delivnav/internal/nav"
)

// Geocoder is the external geocoding collaborator.
type Geocoder interface {
    Geocode(ctx context.Context, text string) (model.GeoPoint, error)
    ReverseGeocode(ctx context.Context, p model.GeoPoint) (string, error)
}

// latLngPattern matches a strict "<lat>,<lng>" string with optional whitespace.
var latLngPattern = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*$`)

// Resolver resolves descriptors with per-identity-key memoization, so a
// descriptor re-arriving unchanged on every poll does no work.
type Resolver struct {
    geocoder Geocoder

    mu    sync.Mutex
    cache map[string]*model.GeoPoint // key -> point, nil entry means resolved absent
}

func New(g Geocoder) *Resolver {
    return &Resolver{geocoder: g, cache: map[string]*model.GeoPoint{}}
}

// Resolve returns the coordinate for a descriptor, or nil when absent.
// Resolution order, each step cheap before expensive: structured pair,
// "lat,lng" text, geocoder. It never returns an error and never a default
// coordinate.
func (r *Resolver) Resolve(ctx context.Context, d model.PointDescriptor) *model.GeoPoint {
    if d.Empty() {
        return nil
    }
    key := d.Key()
    r.mu.Lock()
    if p, ok := r.cache[key]; ok {
        r.mu.Unlock()
        return p
    }
    r.mu.Unlock()

    p, transient := r.resolve(ctx, d)
    if ctx.Err() != nil {
        // cancelled lookups are not cached as absent
        return nil
    }
    if !transient {
        r.mu.Lock()
        r.cache[key] = p
        r.mu.Unlock()
    }
    return p
}

// resolve returns the point (nil when absent) and whether the miss was
// transient. A transient miss is never cached so the next poll retries.
func (r *Resolver) resolve(ctx context.Context, d model.PointDescriptor) (*model.GeoPoint, bool) {
    // 1) structured geo-point, GeoJSON [lng, lat] order
    if len(d.Coordinates) == 2 {
        p := model.GeoPoint{Lat: d.Coordinates[1], Lng: d.Coordinates[0]}
        if p.Valid() {
            return &p, false
        }
    }
    text := strings.TrimSpace(d.Text)
    if text == "" {
        return nil, false
    }
    // 2) strict "lat,lng" string
    if m := latLngPattern.FindStringSubmatch(text); m != nil {
        lat, err1 := strconv.ParseFloat(m[1], 64)
        lng, err2 := strconv.ParseFloat(m[2], 64)
        if err1 == nil && err2 == nil {
            p := model.GeoPoint{Lat: lat, Lng: lng}
            if p.Valid() {
                return &p, false
            }
        }
        // out-of-range pair like "91,200" falls through to the geocoder
    }
    // 3) external geocoder
    if r.geocoder == nil {
        return nil, false
    }
    p, err := r.geocoder.Geocode(ctx, text)
    if err != nil {
        log.Printf("geocode %q failed: %v", text, err)
        return nil, errors.Is(err, nav.ErrUpstreamUnavailable)
    }
    if !p.Valid() {
        return nil, false
    }
    return &p, false
}

// Pair resolves pickup and dropoff independently and concurrently; a failure
// in one never blocks or poisons the other.
func (r *Resolver) Pair(ctx context.Context, pickup, dropoff model.PointDescriptor) (*model.GeoPoint, *model.GeoPoint) {
    var wg sync.WaitGroup
    var p, d *model.GeoPoint
    wg.Add(2)
    go func() { defer wg.Done(); p = r.Resolve(ctx, pickup) }()
    go func() { defer wg.Done(); d = r.Resolve(ctx, dropoff) }()
    wg.Wait()
    return p, d
}

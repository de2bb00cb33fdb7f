// Package geo holds the synchronous geometry used by the navigation engine:
// haversine distance, initial bearing, the encoded-polyline codec and
// bounding-box framing. Everything here is pure and non-blocking.
package geo

import (
    "math"

    "delivnav/internal/model"
)

const earthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two points in meters.
func HaversineMeters(a, b model.GeoPoint) float64 {
    dLat := (b.Lat - a.Lat) * math.Pi / 180
    dLng := (b.Lng - a.Lng) * math.Pi / 180
    h := math.Sin(dLat/2)*math.Sin(dLat/2) +
        math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
    c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
    return earthRadiusMeters * c
}

// HaversineKm returns the great-circle distance in kilometers.
func HaversineKm(a, b model.GeoPoint) float64 { return HaversineMeters(a, b) / 1000.0 }

// Bearing returns the initial bearing from a to b in degrees, [0,360).
func Bearing(a, b model.GeoPoint) float64 {
    lat1 := a.Lat * math.Pi / 180
    lat2 := b.Lat * math.Pi / 180
    dLng := (b.Lng - a.Lng) * math.Pi / 180
    y := math.Sin(dLng) * math.Cos(lat2)
    x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
    deg := math.Atan2(y, x) * 180 / math.Pi
    return math.Mod(deg+360, 360)
}

// PathMeters sums the leg distances of an ordered path.
func PathMeters(path []model.GeoPoint) float64 {
    total := 0.0
    for i := 0; i < len(path)-1; i++ {
        total += HaversineMeters(path[i], path[i+1])
    }
    return total
}

// DecodePolyline decodes the standard encoded polyline format: 5-bit groups,
// zig-zag sign, 1e5 scale, cumulative deltas per coordinate. Points failing
// validation are dropped.
func DecodePolyline(enc string) []model.GeoPoint {
    var out []model.GeoPoint
    var lat, lng int64
    i := 0
    for i < len(enc) {
        dLat, n, ok := decodeVarint(enc, i)
        if !ok {
            return out
        }
        i = n
        dLng, n, ok := decodeVarint(enc, i)
        if !ok {
            return out
        }
        i = n
        lat += dLat
        lng += dLng
        p := model.GeoPoint{Lat: float64(lat) / 1e5, Lng: float64(lng) / 1e5}
        if p.Valid() {
            out = append(out, p)
        }
    }
    return out
}

func decodeVarint(enc string, i int) (int64, int, bool) {
    var result int64
    var shift uint
    for {
        if i >= len(enc) {
            return 0, i, false
        }
        b := int64(enc[i]) - 63
        i++
        result |= (b & 0x1f) << shift
        shift += 5
        if b < 0x20 {
            break
        }
    }
    // zig-zag decode
    if result&1 != 0 {
        return ^(result >> 1), i, true
    }
    return result >> 1, i, true
}

// EncodePolyline is the inverse of DecodePolyline.
func EncodePolyline(path []model.GeoPoint) string {
    var out []byte
    var prevLat, prevLng int64
    for _, p := range path {
        lat := int64(math.Round(p.Lat * 1e5))
        lng := int64(math.Round(p.Lng * 1e5))
        out = encodeVarint(out, lat-prevLat)
        out = encodeVarint(out, lng-prevLng)
        prevLat, prevLng = lat, lng
    }
    return string(out)
}

func encodeVarint(out []byte, v int64) []byte {
    u := v << 1
    if v < 0 {
        u = ^u
    }
    for u >= 0x20 {
        out = append(out, byte(0x20|(u&0x1f))+63)
        u >>= 5
    }
    return append(out, byte(u)+63)
}

// BoundsPadded computes the bounding box of the given points expanded by the
// padding fraction on every side. Returns false when no points are given.
func BoundsPadded(points []model.GeoPoint, padding float64) (model.CameraBounds, bool) {
    if len(points) == 0 {
        return model.CameraBounds{}, false
    }
    minLat, maxLat := points[0].Lat, points[0].Lat
    minLng, maxLng := points[0].Lng, points[0].Lng
    for _, p := range points[1:] {
        minLat = math.Min(minLat, p.Lat)
        maxLat = math.Max(maxLat, p.Lat)
        minLng = math.Min(minLng, p.Lng)
        maxLng = math.Max(maxLng, p.Lng)
    }
    // minimum span keeps a single point from producing a degenerate box
    const minSpan = 0.0005
    latPad := math.Max((maxLat-minLat)*padding, minSpan)
    lngPad := math.Max((maxLng-minLng)*padding, minSpan)
    return model.CameraBounds{
        SouthWest: model.GeoPoint{Lat: minLat - latPad, Lng: minLng - lngPad},
        NorthEast: model.GeoPoint{Lat: maxLat + latPad, Lng: maxLng + lngPad},
    }, true
}

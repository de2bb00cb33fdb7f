// Package directions is the OpenRouteService client: turn-by-turn routing
// plus forward and reverse geocoding.
package directions

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net"
    "net/http"
    "strings"
    "time"

    "delivnav/internal/geo"
    "delivnav/internal/metrics"
    "delivnav/internal/model"
    "delivnav/internal/nav"
)

type httpStatusError struct {
    Code int
    Body string
}

func (e *httpStatusError) Error() string {
    return fmt.Sprintf("Code %d: %s", e.Code, e.Body)
}

// Client talks to an OpenRouteService-compatible API. Safe for concurrent use.
type Client struct {
    session *http.Client
    apiKey  string
    baseURL string
    profile string
}

func NewClient(baseURL, apiKey string) (*Client, error) {
    if apiKey == "" {
        return nil, errors.New("ORS api key is empty")
    }
    if baseURL == "" {
        baseURL = "https://api.openrouteservice.org"
    }
    return &Client{
        session: &http.Client{Timeout: 10 * time.Second},
        apiKey:  apiKey,
        baseURL: strings.TrimRight(baseURL, "/"),
        profile: "driving-car",
    }, nil
}

func (c *Client) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
    var rd io.Reader
    if body != nil {
        rd = bytes.NewReader(body)
    }
    req, err := http.NewRequestWithContext(ctx, method, url, rd)
    if err != nil {
        return nil, fmt.Errorf("create request: %w", err)
    }
    req.Header.Set("Authorization", c.apiKey)
    req.Header.Set("Accept", "application/json")
    if body != nil {
        req.Header.Set("Content-Type", "application/json")
    }
    return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
    resp, err := c.session.Do(req)
    if err != nil {
        return nil, err
    }
    if resp.StatusCode >= 400 {
        b, _ := io.ReadAll(resp.Body)
        resp.Body.Close()
        return nil, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
    }
    return resp, nil
}

// doWithRetry retries transient failures (network errors, 429 and 5xx
// responses) with exponential backoff while respecting context cancellation.
func (c *Client) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
    const maxAttempts = 4
    backoff := 200 * time.Millisecond

    var lastErr error
    for attempt := 1; attempt <= maxAttempts; attempt++ {
        if err := ctx.Err(); err != nil {
            return nil, err
        }

        req, err := makeReq()
        if err != nil {
            return nil, fmt.Errorf("make request: %w", err)
        }

        resp, err := c.do(req)
        if err == nil {
            return resp, nil
        }
        lastErr = err

        retry := false
        var he *httpStatusError
        if errors.As(err, &he) {
            switch he.Code {
            case 429, 500, 502, 503, 504:
                retry = true
            }
        }
        var netErr net.Error
        if !retry && errors.As(err, &netErr) {
            retry = true
        }

        if !retry || attempt == maxAttempts {
            return nil, lastErr
        }

        timer := time.NewTimer(backoff)
        select {
        case <-ctx.Done():
            timer.Stop()
            return nil, ctx.Err()
        case <-timer.C:
        }
        backoff *= 2
    }
    return nil, lastErr
}

type directionsResponse struct {
    Routes []struct {
        Summary struct {
            Distance float64 `json:"distance"`
            Duration float64 `json:"duration"`
        } `json:"summary"`
        Geometry string `json:"geometry"`
        Segments []struct {
            Distance float64 `json:"distance"`
            Duration float64 `json:"duration"`
            Steps    []struct {
                Instruction string  `json:"instruction"`
                Name        string  `json:"name"`
                Distance    float64 `json:"distance"`
                Duration    float64 `json:"duration"`
                WayPoints   []int   `json:"way_points"`
            } `json:"steps"`
        } `json:"segments"`
    } `json:"routes"`
}

// GetRoute fetches a driving route between two points. Coordinates go over
// the wire in GeoJSON [lng, lat] order.
func (c *Client) GetRoute(ctx context.Context, origin, dest model.GeoPoint) (model.DirectionsResult, error) {
    endpoint := c.baseURL + "/v2/directions/" + c.profile
    body, err := json.Marshal(map[string]any{
        "coordinates": [][]float64{{origin.Lng, origin.Lat}, {dest.Lng, dest.Lat}},
    })
    if err != nil {
        return model.DirectionsResult{}, fmt.Errorf("encode directions request: %w", err)
    }

    resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
        return c.newRequest(ctx, http.MethodPost, endpoint, body)
    })
    if err != nil {
        return model.DirectionsResult{}, fmt.Errorf("%w: directions: %v", nav.ErrUpstreamUnavailable, err)
    }
    defer resp.Body.Close()

    var decoded directionsResponse
    if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
        return model.DirectionsResult{}, fmt.Errorf("decode directions response: %w", err)
    }
    if len(decoded.Routes) == 0 {
        return model.DirectionsResult{}, fmt.Errorf("%w: no routes returned", nav.ErrUpstreamUnavailable)
    }

    rt := decoded.Routes[0]
    path := geo.DecodePolyline(rt.Geometry)

    out := model.DirectionsResult{OverviewPolyline: rt.Geometry}
    for _, seg := range rt.Segments {
        leg := model.DirectionsLeg{
            DistanceMeters:  seg.Distance,
            DurationSeconds: seg.Duration,
        }
        for _, st := range seg.Steps {
            step := model.DirectionsStep{
                Instruction:     st.Instruction,
                DistanceMeters:  st.Distance,
                DurationSeconds: st.Duration,
            }
            if leg.Summary == "" && st.Name != "" && st.Name != "-" {
                leg.Summary = st.Name
            }
            // way_points index into the decoded overview geometry
            if len(st.WayPoints) == 2 {
                if p, ok := pathPoint(path, st.WayPoints[0]); ok {
                    step.Start = p
                }
                if p, ok := pathPoint(path, st.WayPoints[1]); ok {
                    step.End = p
                }
            }
            leg.Steps = append(leg.Steps, step)
        }
        out.Legs = append(out.Legs, leg)
    }
    return out, nil
}

func pathPoint(path []model.GeoPoint, i int) (*model.GeoPoint, bool) {
    if i < 0 || i >= len(path) {
        return nil, false
    }
    p := path[i]
    return &p, true
}

type geocodeResponse struct {
    Features []struct {
        Geometry struct {
            Coordinates []float64 `json:"coordinates"`
        } `json:"geometry"`
        Properties struct {
            Label string `json:"label"`
        } `json:"properties"`
    } `json:"features"`
}

// Geocode resolves free-form text to a coordinate via /geocode/search.
func (c *Client) Geocode(ctx context.Context, text string) (model.GeoPoint, error) {
    norm := strings.Join(strings.Fields(text), " ")
    if norm == "" {
        metrics.GeocodeLookups.WithLabelValues("invalid").Inc()
        return model.GeoPoint{}, fmt.Errorf("%w: empty geocode text", nav.ErrInputInvalid)
    }
    endpoint := c.baseURL + "/geocode/search"

    resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
        req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
        if err != nil {
            return nil, err
        }
        q := req.URL.Query()
        q.Set("text", norm)
        q.Set("size", "1")
        req.URL.RawQuery = q.Encode()
        return req, nil
    })
    if err != nil {
        metrics.GeocodeLookups.WithLabelValues("error").Inc()
        return model.GeoPoint{}, fmt.Errorf("%w: geocode: %v", nav.ErrUpstreamUnavailable, err)
    }
    defer resp.Body.Close()

    var decoded geocodeResponse
    if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
        metrics.GeocodeLookups.WithLabelValues("error").Inc()
        return model.GeoPoint{}, fmt.Errorf("decode geocode response: %w", err)
    }
    if len(decoded.Features) == 0 {
        metrics.GeocodeLookups.WithLabelValues("miss").Inc()
        return model.GeoPoint{}, fmt.Errorf("no geocode results for %q", norm)
    }
    coords := decoded.Features[0].Geometry.Coordinates
    if len(coords) != 2 {
        metrics.GeocodeLookups.WithLabelValues("error").Inc()
        return model.GeoPoint{}, fmt.Errorf("invalid coordinate format for %q", norm)
    }
    metrics.GeocodeLookups.WithLabelValues("hit").Inc()
    return model.GeoPoint{Lat: coords[1], Lng: coords[0]}, nil
}

// ReverseGeocode resolves a coordinate to a display label via /geocode/reverse.
func (c *Client) ReverseGeocode(ctx context.Context, p model.GeoPoint) (string, error) {
    if !p.Valid() {
        return "", fmt.Errorf("%w: invalid point", nav.ErrInputInvalid)
    }
    endpoint := c.baseURL + "/geocode/reverse"

    resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
        req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
        if err != nil {
            return nil, err
        }
        q := req.URL.Query()
        q.Set("point.lat", fmt.Sprintf("%.6f", p.Lat))
        q.Set("point.lon", fmt.Sprintf("%.6f", p.Lng))
        q.Set("size", "1")
        req.URL.RawQuery = q.Encode()
        return req, nil
    })
    if err != nil {
        return "", fmt.Errorf("%w: reverse geocode: %v", nav.ErrUpstreamUnavailable, err)
    }
    defer resp.Body.Close()

    var decoded geocodeResponse
    if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
        return "", fmt.Errorf("decode reverse geocode response: %w", err)
    }
    if len(decoded.Features) == 0 {
        return "", fmt.Errorf("no reverse geocode results")
    }
    return decoded.Features[0].Properties.Label, nil
}

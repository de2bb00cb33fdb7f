package source

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net/http"
    "time"

    "delivnav/internal/model"
)

// Source yields tracking snapshots for one delivery.
type Source interface {
    Fetch(ctx context.Context) (model.TrackingSnapshot, error)
}

// HTTPSource fetches snapshots from the tracking API's track endpoint.
type HTTPSource struct {
    BaseURL    string
    DeliveryID string
    Token      string
    Client     *http.Client
}

func NewHTTPSource(baseURL, deliveryID, token string) *HTTPSource {
    return &HTTPSource{
        BaseURL:    baseURL,
        DeliveryID: deliveryID,
        Token:      token,
        Client:     &http.Client{Timeout: 10 * time.Second},
    }
}

func (s *HTTPSource) Fetch(ctx context.Context) (model.TrackingSnapshot, error) {
    var snap model.TrackingSnapshot
    url := fmt.Sprintf("%s/v1/deliveries/%s/track", s.BaseURL, s.DeliveryID)
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
    if err != nil {
        return snap, err
    }
    if s.Token != "" {
        req.Header.Set("Authorization", "Bearer "+s.Token)
    }
    resp, err := s.Client.Do(req)
    if err != nil {
        return snap, err
    }
    defer func() { _ = resp.Body.Close() }()
    if resp.StatusCode != http.StatusOK {
        return snap, fmt.Errorf("track fetch: unexpected status %d", resp.StatusCode)
    }
    if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
        return snap, err
    }
    return snap, nil
}

// Poller fetches snapshots at a fixed interval and hands them to a callback.
// Fetch errors are logged and the previous snapshot stays in effect; the
// poll loop never dies on a transient failure.
type Poller struct {
    src      Source
    interval time.Duration
    onSnap   func(model.TrackingSnapshot)
    cancel   context.CancelFunc
    done     chan struct{}
}

func NewPoller(src Source, interval time.Duration, onSnap func(model.TrackingSnapshot)) *Poller {
    if interval <= 0 {
        interval = 5 * time.Second
    }
    return &Poller{src: src, interval: interval, onSnap: onSnap}
}

// Start fetches once immediately, then on every tick until ctx is done or
// Stop is called.
func (p *Poller) Start(ctx context.Context) {
    ctx, p.cancel = context.WithCancel(ctx)
    p.done = make(chan struct{})
    go func() {
        defer close(p.done)
        p.poll(ctx)
        ticker := time.NewTicker(p.interval)
        defer ticker.Stop()
        for {
            select {
            case <-ctx.Done():
                return
            case <-ticker.C:
                p.poll(ctx)
            }
        }
    }()
}

func (p *Poller) poll(ctx context.Context) {
    snap, err := p.src.Fetch(ctx)
    if err != nil {
        if ctx.Err() == nil {
            log.Printf("source: poll failed: %v", err)
        }
        return
    }
    p.onSnap(snap)
}

// Stop halts the loop and waits for the in-flight poll to finish.
func (p *Poller) Stop() {
    if p.cancel != nil {
        p.cancel()
        <-p.done
    }
}

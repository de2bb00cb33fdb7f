// Command navigator runs the delivery navigation engine against a live API:
// it polls the tracking snapshot, simulates a driver GPS source from stdin
// fixes ("lat,lng" per line), and logs stage, route and guidance changes.
package main

import (
    "bufio"
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net/http"
    "os"
    "os/signal"
    "strconv"
    "strings"
    "syscall"
    "time"

    "delivnav/internal/config"
    "delivnav/internal/directions"
    "delivnav/internal/feed"
    "delivnav/internal/model"
    "delivnav/internal/session"
    "delivnav/internal/source"
)

func main() {
    cfg, err := config.FromEnv()
    if err != nil {
        log.Fatalf("config: %v", err)
    }
    baseURL := os.Getenv("API_BASE_URL")
    if baseURL == "" {
        baseURL = "http://localhost:8080"
    }
    deliveryID := os.Getenv("DELIVERY_ID")
    if deliveryID == "" {
        log.Fatal("DELIVERY_ID is required")
    }
    actorID := os.Getenv("ACTOR_ID")
    token := os.Getenv("API_TOKEN")

    dirs, err := directions.NewClient(cfg.ORSBaseURL, cfg.ORSAPIKey)
    if err != nil {
        log.Fatalf("directions: %v", err)
    }

    sess := session.New(deliveryID, actorID, dirs, dirs,
        &stdinSource{}, &httpPusher{base: baseURL, token: token},
        cfg.Tuning, logState)

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    src := source.NewHTTPSource(baseURL, deliveryID, token)
    poller := source.NewPoller(src, cfg.PollInterval, func(snap model.TrackingSnapshot) {
        sess.OnSnapshot(ctx, snap)
    })
    poller.Start(ctx)

    if err := sess.StartLiveFeed(ctx); err != nil {
        log.Printf("live feed unavailable, observing only: %v", err)
    }

    log.Printf("navigating delivery %s against %s", deliveryID, baseURL)
    <-ctx.Done()
    poller.Stop()
    sess.Dispose()
}

var lastStage model.DeliveryStage = -1

func logState(st session.State) {
    if st.Stage != lastStage {
        lastStage = st.Stage
        log.Printf("stage -> %s (role %s)", st.Stage, st.Role)
    }
    if step := st.Route.ActiveStep(); step != nil {
        log.Printf("step %d/%d: %s (%.0f m)", st.Route.ActiveStepIndex+1, len(st.Route.Steps), step.Instruction, step.DistanceMeters)
    }
    if st.Pose != nil {
        log.Printf("camera: center %.5f,%.5f heading %.0f", st.Pose.Center.Lat, st.Pose.Center.Lng, st.Pose.HeadingDegrees)
    }
}

// stdinSource reads GPS fixes from stdin, one "lat,lng" per line.
type stdinSource struct{}

func (s *stdinSource) RequestPermission(ctx context.Context) error { return nil }

func (s *stdinSource) Subscribe(ctx context.Context) (<-chan model.GeoPoint, func(), error) {
    ch := make(chan model.GeoPoint)
    done := make(chan struct{})
    go func() {
        defer close(ch)
        sc := bufio.NewScanner(os.Stdin)
        for sc.Scan() {
            parts := strings.SplitN(strings.TrimSpace(sc.Text()), ",", 2)
            if len(parts) != 2 {
                continue
            }
            lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
            lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
            if err1 != nil || err2 != nil {
                continue
            }
            select {
            case ch <- model.GeoPoint{Lat: lat, Lng: lng}:
            case <-ctx.Done():
                return
            case <-done:
                return
            }
        }
    }()
    release := func() { close(done) }
    return ch, release, nil
}

// httpPusher publishes driver positions to the delivery API.
type httpPusher struct {
    base  string
    token string
}

var _ feed.Pusher = (*httpPusher)(nil)

func (p *httpPusher) Push(ctx context.Context, deliveryID string, pt model.GeoPoint) error {
    body, _ := json.Marshal(model.PositionUpdate{
        Point:      pt,
        RecordedAt: time.Now().UTC().Format(time.RFC3339),
    })
    url := fmt.Sprintf("%s/v1/deliveries/%s/location", p.base, deliveryID)
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
    if err != nil {
        return err
    }
    req.Header.Set("Content-Type", "application/json")
    if p.token != "" {
        req.Header.Set("Authorization", "Bearer "+p.token)
    }
    resp, err := http.DefaultClient.Do(req)
    if err != nil {
        return err
    }
    defer func() { _ = resp.Body.Close() }()
    if resp.StatusCode >= 300 {
        return fmt.Errorf("location push: unexpected status %d", resp.StatusCode)
    }
    return nil
}

// Package feed owns the live-position stream for one delivery session: OS
// permission handling, emission cadence, and best-effort upstream pushes.
package feed

import (
    "context"
    "fmt"
    "log"
    "sync"
    "time"

    "golang.org/x/time/rate"

    "delivnav/internal/geo"
    "delivnav/internal/model"
    "delivnav/internal/nav"
)

// Source abstracts the OS location provider. Subscribe returns a channel of
// raw fixes that closes when the subscription ends (including a mid-session
// permission revocation); the returned func releases the subscription.
type Source interface {
    RequestPermission(ctx context.Context) error
    Subscribe(ctx context.Context) (<-chan model.GeoPoint, func(), error)
}

// Pusher sends a position upstream. Failures are the caller's to swallow.
type Pusher interface {
    Push(ctx context.Context, deliveryID string, p model.GeoPoint) error
}

// Config tunes emission cadence. Zero values take the defaults.
type Config struct {
    // MinDistanceM is the movement threshold between emissions.
    MinDistanceM float64
    // MaxInterval forces an emission while stationary.
    MaxInterval time.Duration
    // PushPerSec / PushBurst throttle upstream pushes.
    PushPerSec float64
    PushBurst  int
}

func (c Config) withDefaults() Config {
    if c.MinDistanceM <= 0 {
        c.MinDistanceM = 25
    }
    if c.MaxInterval <= 0 {
        c.MaxInterval = 15 * time.Second
    }
    if c.PushPerSec <= 0 {
        c.PushPerSec = 1
    }
    if c.PushBurst <= 0 {
        c.PushBurst = 2
    }
    return c
}

// Feed is the live-position stream for one delivery. Only the driver role
// publishes upstream; observers run with publishing disabled.
type Feed struct {
    cfg        Config
    src        Source
    pusher     Pusher
    deliveryID string
    limiter    *rate.Limiter

    mu      sync.Mutex
    cancel  func()
    running bool
}

func New(deliveryID string, src Source, pusher Pusher, cfg Config) *Feed {
    cfg = cfg.withDefaults()
    return &Feed{
        cfg:        cfg,
        src:        src,
        pusher:     pusher,
        deliveryID: deliveryID,
        limiter:    rate.NewLimiter(rate.Limit(cfg.PushPerSec), cfg.PushBurst),
    }
}

// Start requests permission and begins emitting. The returned channel emits
// once immediately on the first fix, then on movement beyond MinDistanceM or
// after MaxInterval, whichever fires first. The channel closes when the
// subscription ends or Stop is called. A denied permission returns
// nav.ErrPermissionDenied and no channel.
func (f *Feed) Start(ctx context.Context, publish bool) (<-chan model.GeoPoint, error) {
    f.mu.Lock()
    if f.running {
        f.mu.Unlock()
        return nil, fmt.Errorf("feed already started")
    }
    f.running = true
    f.mu.Unlock()

    fail := func(err error) (<-chan model.GeoPoint, error) {
        f.mu.Lock()
        f.running = false
        f.mu.Unlock()
        return nil, err
    }

    if err := f.src.RequestPermission(ctx); err != nil {
        return fail(fmt.Errorf("%w: %v", nav.ErrPermissionDenied, err))
    }
    subCtx, cancel := context.WithCancel(context.Background())
    raw, release, err := f.src.Subscribe(subCtx)
    if err != nil {
        cancel()
        return fail(fmt.Errorf("%w: %v", nav.ErrUpstreamUnavailable, err))
    }

    out := make(chan model.GeoPoint, 8)
    f.mu.Lock()
    if !f.running {
        // a Stop raced with startup; tear the fresh subscription down
        f.mu.Unlock()
        cancel()
        release()
        return nil, fmt.Errorf("feed stopped during start")
    }
    f.cancel = func() { cancel(); release() }
    f.mu.Unlock()

    go f.run(subCtx, raw, out, publish)
    return out, nil
}

func (f *Feed) run(ctx context.Context, raw <-chan model.GeoPoint, out chan<- model.GeoPoint, publish bool) {
    defer close(out)

    var last *model.GeoPoint
    var lastAt time.Time
    ticker := time.NewTicker(f.cfg.MaxInterval)
    defer ticker.Stop()

    emit := func(p model.GeoPoint) {
        last = &p
        lastAt = time.Now()
        select {
        case out <- p:
        default:
            // a slow consumer never stalls the feed
        }
        if publish {
            f.push(p)
        }
    }

    for {
        select {
        case <-ctx.Done():
            return
        case p, ok := <-raw:
            if !ok {
                // subscription ended (signal loss or permission revoked)
                return
            }
            if !p.Valid() {
                continue
            }
            if last == nil ||
                geo.HaversineMeters(*last, p) >= f.cfg.MinDistanceM ||
                time.Since(lastAt) >= f.cfg.MaxInterval {
                emit(p)
            }
        case <-ticker.C:
            // stationary heartbeat: re-emit the last known fix
            if last != nil && time.Since(lastAt) >= f.cfg.MaxInterval {
                emit(*last)
            }
        }
    }
}

// push sends one position upstream. Transient failures are logged and
// swallowed: live tracking must never stall navigation.
func (f *Feed) push(p model.GeoPoint) {
    if f.pusher == nil || !f.limiter.Allow() {
        return
    }
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := f.pusher.Push(ctx, f.deliveryID, p); err != nil {
        log.Printf("position push for %s failed: %v", f.deliveryID, err)
    }
}

// Stop deterministically releases the underlying subscription. A later
// Start will not double-subscribe.
func (f *Feed) Stop() {
    f.mu.Lock()
    cancel := f.cancel
    f.cancel = nil
    f.running = false
    f.mu.Unlock()
    if cancel != nil {
        cancel()
    }
}

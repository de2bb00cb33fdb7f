// Package route owns route computation and navigation progress for one
// delivery session: debounced recomputation against a directions provider,
// degraded straight-line fallback, and proximity-based step advancement.
package route

import (
    "context"
    "log"
    "sync"
    "time"

    "delivnav/internal/geo"
    "delivnav/internal/metrics"
    "delivnav/internal/model"
)

// Directions is the external directions provider collaborator.
type Directions interface {
    GetRoute(ctx context.Context, origin, dest model.GeoPoint) (model.DirectionsResult, error)
}

// Config tunes the engine. Zero values take the defaults.
type Config struct {
    // QuietPeriod coalesces input changes before a route request fires.
    QuietPeriod time.Duration
    // AdvanceThresholdM is the step-completion radius, a deliberate
    // tolerance for GPS jitter near turns.
    AdvanceThresholdM float64
    // RequestTimeout bounds one directions call.
    RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
    if c.QuietPeriod <= 0 {
        c.QuietPeriod = 450 * time.Millisecond
    }
    if c.AdvanceThresholdM <= 0 {
        c.AdvanceThresholdM = 35
    }
    if c.RequestTimeout <= 0 {
        c.RequestTimeout = 10 * time.Second
    }
    return c
}

// Engine recomputes RouteState from (origin, target) changes. A monotonic
// generation counter keys every computation; a result whose generation is
// stale on completion is discarded, never applied.
type Engine struct {
    cfg  Config
    dirs Directions

    mu     sync.Mutex
    gen    uint64
    timer  *time.Timer
    origin *model.GeoPoint
    target *model.GeoPoint
    state  model.RouteState
    closed bool

    onState func(model.RouteState)
}

// NewEngine creates an engine. onState may be nil; when set it is invoked
// outside the engine lock after every state replacement.
func NewEngine(dirs Directions, cfg Config, onState func(model.RouteState)) *Engine {
    return &Engine{cfg: cfg.withDefaults(), dirs: dirs, onState: onState}
}

// State returns the current route state.
func (e *Engine) State() model.RouteState {
    e.mu.Lock()
    defer e.mu.Unlock()
    return e.state
}

// SetInputs registers a new (origin, target) pair. If either is absent the
// state resets immediately to the canonical empty "navigation unavailable"
// state; otherwise a recomputation is scheduled after the quiet period,
// superseding any pending one.
func (e *Engine) SetInputs(origin, target *model.GeoPoint) {
    e.mu.Lock()
    if e.closed {
        e.mu.Unlock()
        return
    }
    o, t := copyPoint(origin), copyPoint(target)
    if pointsEqual(e.origin, o) && pointsEqual(e.target, t) {
        // a poll tick re-delivering the same pair must not refire a request
        e.mu.Unlock()
        return
    }
    e.origin = o
    e.target = t
    if e.origin == nil || e.target == nil {
        st := e.resetLocked()
        e.mu.Unlock()
        e.notify(st)
        return
    }
    e.stopTimerLocked()
    e.gen++
    gen := e.gen
    ov, tv := *o, *t
    e.timer = time.AfterFunc(e.cfg.QuietPeriod, func() { e.compute(gen, ov, tv) })
    e.mu.Unlock()
}

// Recalculate forces an immediate recomputation, bypassing the debounce once.
func (e *Engine) Recalculate() {
    e.mu.Lock()
    if e.closed {
        e.mu.Unlock()
        return
    }
    if e.origin == nil || e.target == nil {
        st := e.resetLocked()
        e.mu.Unlock()
        e.notify(st)
        return
    }
    e.stopTimerLocked()
    e.gen++
    gen := e.gen
    o, t := *e.origin, *e.target
    e.mu.Unlock()
    go e.compute(gen, o, t)
}

// OnPosition advances the active step by proximity. Runs on every position
// tick, independent of recomputation, and never decrements the index. The
// loop lets several short steps be consumed in one update.
func (e *Engine) OnPosition(pos model.GeoPoint) model.RouteState {
    e.mu.Lock()
    defer e.mu.Unlock()
    for e.state.ActiveStepIndex < len(e.state.Steps)-1 &&
        geo.HaversineMeters(pos, e.state.Steps[e.state.ActiveStepIndex].End) <= e.cfg.AdvanceThresholdM {
        e.state.ActiveStepIndex++
    }
    return e.state
}

// Close cancels any pending debounce timer and supersedes in-flight work.
// Safe to call more than once.
func (e *Engine) Close() {
    e.mu.Lock()
    defer e.mu.Unlock()
    e.closed = true
    e.stopTimerLocked()
    e.gen++
}

func (e *Engine) resetLocked() model.RouteState {
    e.stopTimerLocked()
    e.gen++
    e.state = model.RouteState{Generation: e.gen}
    return e.state
}

func (e *Engine) stopTimerLocked() {
    if e.timer != nil {
        e.timer.Stop()
        e.timer = nil
    }
}

func (e *Engine) notify(st model.RouteState) {
    if e.onState != nil {
        e.onState(st)
    }
}

// compute runs one route request and installs the result unless superseded.
func (e *Engine) compute(gen uint64, origin, target model.GeoPoint) {
    ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
    defer cancel()

    res, err := e.dirs.GetRoute(ctx, origin, target)
    var next model.RouteState
    if err != nil {
        // degrade to a straight 2-point path: the UI always has something
        // to draw
        log.Printf("route computation failed: %v", err)
        metrics.RouteComputations.WithLabelValues("degraded").Inc()
        next = model.RouteState{Path: []model.GeoPoint{origin, target}, Degraded: true}
    } else {
        next = buildState(res, origin, target)
        metrics.RouteComputations.WithLabelValues("ok").Inc()
    }

    e.mu.Lock()
    if e.closed || gen != e.gen {
        // superseded by newer input; discard silently
        e.mu.Unlock()
        metrics.RouteComputations.WithLabelValues("superseded").Inc()
        return
    }
    next.Generation = gen
    e.state = next
    e.mu.Unlock()
    e.notify(next)
}

// buildState decodes the provider result into a fresh RouteState with the
// step index reset to 0.
func buildState(res model.DirectionsResult, origin, target model.GeoPoint) model.RouteState {
    path := geo.DecodePolyline(res.OverviewPolyline)
    if len(path) < 2 {
        path = []model.GeoPoint{origin, target}
    }

    var steps []model.RouteStep
    var distM, durS float64
    summary := ""
    for _, leg := range res.Legs {
        distM += leg.DistanceMeters
        durS += leg.DurationSeconds
        if summary == "" {
            summary = leg.Summary
        }
        for _, s := range leg.Steps {
            if s.Start == nil || s.End == nil || !s.Start.Valid() || !s.End.Valid() {
                continue
            }
            steps = append(steps, model.RouteStep{
                Instruction:     SanitizeInstruction(s.Instruction),
                DistanceMeters:  s.DistanceMeters,
                DurationSeconds: s.DurationSeconds,
                Start:           *s.Start,
                End:             *s.End,
            })
        }
    }

    st := model.RouteState{Steps: steps, Path: path}
    if len(res.Legs) > 0 {
        st.Metrics = &model.RouteMetrics{
            DistanceKm:  distM / 1000.0,
            DurationMin: durS / 60.0,
            Summary:     summary,
        }
    }
    return st
}

func pointsEqual(a, b *model.GeoPoint) bool {
    if a == nil || b == nil {
        return a == b
    }
    return *a == *b
}

func copyPoint(p *model.GeoPoint) *model.GeoPoint {
    if p == nil || !p.Valid() {
        return nil
    }
    c := *p
    return &c
}

// Package guidance computes camera state for the navigation view: a chase
// camera locked to the actor in follow mode, or a padded fit-bounds frame in
// overview mode.
package guidance

import (
    "fmt"

    "delivnav/internal/geo"
    "delivnav/internal/model"
)

// Config holds the camera constants. Zero values take the defaults.
type Config struct {
    Pitch           float64
    Zoom            float64
    OverviewPadding float64
}

func (c Config) withDefaults() Config {
    if c.Pitch <= 0 {
        c.Pitch = 55
    }
    if c.Zoom <= 0 {
        c.Zoom = 17
    }
    if c.OverviewPadding <= 0 {
        c.OverviewPadding = 0.15
    }
    return c
}

// Controller derives camera instructions. It holds no mutable navigation
// state; switching modes only changes which pose function is invoked.
type Controller struct {
    cfg Config

    lastBoundsKey string
    lastBounds    model.CameraBounds
    hasBounds     bool
}

func New(cfg Config) *Controller {
    return &Controller{cfg: cfg.withDefaults()}
}

// Follow returns the chase-camera pose for the actor position. The heading
// points at the active step's end when one exists, else at the target.
// Recomputed on every position change and on every step advancement.
func (c *Controller) Follow(actor model.GeoPoint, activeStep *model.RouteStep, target *model.GeoPoint) model.GuidancePose {
    heading := 0.0
    switch {
    case activeStep != nil:
        heading = geo.Bearing(actor, activeStep.End)
    case target != nil:
        heading = geo.Bearing(actor, *target)
    }
    return model.GuidancePose{
        Center:         actor,
        HeadingDegrees: heading,
        Pitch:          c.cfg.Pitch,
        Zoom:           c.cfg.Zoom,
    }
}

// Overview returns the padded bounds framing the non-nil points among
// pickup, dropoff and actor. The frame is memoized on the point set, not on
// every position tick: the actor contributes at coarse (~1 km) resolution so
// GPS noise cannot jitter the camera.
func (c *Controller) Overview(pickup, dropoff, actor *model.GeoPoint) (model.CameraBounds, bool) {
    present := make([]model.GeoPoint, 0, 3)
    key := ""
    for _, p := range []*model.GeoPoint{pickup, dropoff} {
        if p == nil || !p.Valid() {
            key += "|-"
            continue
        }
        present = append(present, *p)
        key += "|" + fmt.Sprintf("%.5f,%.5f", p.Lat, p.Lng)
    }
    if actor != nil && actor.Valid() {
        present = append(present, *actor)
        key += "|" + fmt.Sprintf("%.2f,%.2f", actor.Lat, actor.Lng)
    } else {
        key += "|-"
    }
    if key == c.lastBoundsKey {
        return c.lastBounds, c.hasBounds
    }
    b, ok := geo.BoundsPadded(present, c.cfg.OverviewPadding)
    c.lastBoundsKey = key
    c.lastBounds = b
    c.hasBounds = ok
    return b, ok
}

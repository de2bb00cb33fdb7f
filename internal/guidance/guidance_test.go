package guidance

import (
    "math"
    "testing"

    "delivnav/internal/model"
)

func TestFollowPose(t *testing.T) {
    c := New(Config{})
    actor := model.GeoPoint{Lat: 0, Lng: 0}
    step := &model.RouteStep{End: model.GeoPoint{Lat: 0, Lng: 1}}
    target := &model.GeoPoint{Lat: 1, Lng: 0}

    pose := c.Follow(actor, step, target)
    if pose.Center != actor {
        t.Fatalf("center should be the actor, got %+v", pose.Center)
    }
    // active step wins over target: heading east
    if math.Abs(pose.HeadingDegrees-90) > 0.01 {
        t.Fatalf("heading toward step end expected, got %f", pose.HeadingDegrees)
    }
    if pose.Pitch != 55 || pose.Zoom != 17 {
        t.Fatalf("default camera constants expected, got pitch=%f zoom=%f", pose.Pitch, pose.Zoom)
    }

    // no step: heading falls back to the target, due north
    pose = c.Follow(actor, nil, target)
    if math.Abs(pose.HeadingDegrees-0) > 0.01 {
        t.Fatalf("heading toward target expected, got %f", pose.HeadingDegrees)
    }
    if pose.HeadingDegrees < 0 || pose.HeadingDegrees >= 360 {
        t.Fatalf("heading out of range: %f", pose.HeadingDegrees)
    }
}

func TestOverviewBounds(t *testing.T) {
    c := New(Config{})
    pickup := &model.GeoPoint{Lat: 1, Lng: 1}
    dropoff := &model.GeoPoint{Lat: 2, Lng: 2}
    actor := &model.GeoPoint{Lat: 1.5, Lng: 1.5}

    b, ok := c.Overview(pickup, dropoff, actor)
    if !ok {
        t.Fatal("expected bounds")
    }
    if b.SouthWest.Lat >= 1 || b.NorthEast.Lat <= 2 {
        t.Fatalf("markers must not sit flush against the edge: %+v", b)
    }
}

func TestOverviewIgnoresNilPoints(t *testing.T) {
    c := New(Config{})
    if _, ok := c.Overview(nil, nil, nil); ok {
        t.Fatal("no points should yield no bounds")
    }
    b, ok := c.Overview(&model.GeoPoint{Lat: 1, Lng: 1}, nil, nil)
    if !ok {
        t.Fatal("single point should still frame")
    }
    if b.SouthWest == b.NorthEast {
        t.Fatal("single-point frame must not be degenerate")
    }
}

func TestOverviewStableUnderPositionNoise(t *testing.T) {
    c := New(Config{})
    pickup := &model.GeoPoint{Lat: 1, Lng: 1}
    dropoff := &model.GeoPoint{Lat: 2, Lng: 2}

    b1, _ := c.Overview(pickup, dropoff, &model.GeoPoint{Lat: 1.50001, Lng: 1.50001})
    b2, _ := c.Overview(pickup, dropoff, &model.GeoPoint{Lat: 1.50002, Lng: 1.50002})
    if b1 != b2 {
        t.Fatalf("per-tick noise must not move the frame: %+v vs %+v", b1, b2)
    }

    // a changed point set recomputes
    b3, _ := c.Overview(pickup, nil, &model.GeoPoint{Lat: 1.50001, Lng: 1.50001})
    if b3 == b1 {
        t.Fatal("dropping a point should reframe")
    }
}

// Package nav defines the shared error taxonomy for the navigation engine.
package nav

import "errors"

var (
    // ErrInputInvalid marks malformed descriptors or coordinates. Callers
    // degrade to "absent" rather than surfacing it.
    ErrInputInvalid = errors.New("invalid input")
    // ErrUpstreamUnavailable marks directions/geocoding/push failures.
    ErrUpstreamUnavailable = errors.New("upstream unavailable")
    // ErrPermissionDenied marks a denied OS location permission.
    ErrPermissionDenied = errors.New("location permission denied")
    // ErrSuperseded marks an in-flight computation whose generation is stale.
    ErrSuperseded = errors.New("superseded by newer input")
)

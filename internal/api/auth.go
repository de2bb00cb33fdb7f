// Package api implements HTTP handlers and helpers for the delivery
// navigation service.
package api

import (
    "net/http"
    "strings"
)

type Principal struct {
    Tenant  string
    Role    string // admin, buyer, seller, driver
    ActorID string
}

// getPrincipal extracts tenant, role and actor id from JWT or headers.
// - If Authorization: Bearer is present, uses configured verifier (dev/hmac/jwks).
// - Else falls back to headers for dev.
func (s *Server) getPrincipal(r *http.Request) Principal {
    authz := r.Header.Get("Authorization")
    if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
        tok := strings.TrimSpace(authz[len("Bearer "):])
        if pr, err := s.Auth.Verify(tok); err == nil {
            return Principal{Tenant: pr.Tenant, Role: pr.Role, ActorID: pr.ActorID}
        }
    }
    tenant := r.Header.Get("X-Tenant-Id")
    role := r.Header.Get("X-Role")
    actorID := r.Header.Get("X-Actor-Id")
    if tenant == "" {
        tenant = "t_demo"
    }
    if role == "" {
        role = "admin"
    }
    return Principal{Tenant: tenant, Role: role, ActorID: actorID}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

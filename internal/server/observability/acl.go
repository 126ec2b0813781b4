// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package observability provides the tunnel server's read-only JSON and
// Prometheus-text HTTP API.
package observability

import (
	"net"
	"net/http"
)

// ACL controls HTTP access by IP/CIDR. Deny-by-default: only IPs
// contained in at least one CIDR are allowed through.
type ACL struct {
	nets []*net.IPNet
}

// NewACL builds an ACL from already-parsed CIDRs (from
// config.ObservabilityConfig.AllowedCIDRs).
func NewACL(cidrs []*net.IPNet) *ACL {
	return &ACL{nets: cidrs}
}

// Middleware returns an http.Handler that checks the remote IP against
// the ACL, responding 403 Forbidden if it is not in any allowed CIDR.
func (a *ACL) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r.RemoteAddr) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed reports whether remoteAddr (host:port) is permitted by the ACL.
func (a *ACL) Allowed(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		// Fall back to treating it as a bare IP (no port).
		host = remoteAddr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, cidr := range a.nets {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

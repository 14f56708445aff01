// Package security contains the connection-admission checks applied
// before a realtime session is accepted: network allowlisting, token
// handling helpers, and per-IP rate limiting.
package security

import (
	"crypto/subtle"
	"net"
	"strings"
)

// ExtractBearerToken parses "Bearer <token>" from the Authorization header.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) > len(prefix) && authHeader[:len(prefix)] == prefix {
		return authHeader[len(prefix):]
	}
	return ""
}

// TokenMatch compares a presented token against the expected one in
// constant time. Empty tokens never match.
func TokenMatch(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// ExtractClientIP strips the port from RemoteAddr ("ip:port" → "ip").
func ExtractClientIP(remoteAddr string) string {
	// Handle IPv6 addresses like "[::1]:8080"
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host := remoteAddr[:idx]
		host = strings.TrimPrefix(host, "[")
		host = strings.TrimSuffix(host, "]")
		return host
	}
	return remoteAddr
}

// TrustedNets is an optional CIDR allowlist for inbound connections.
// An empty allowlist admits every address.
type TrustedNets struct {
	nets []*net.IPNet
}

// NewTrustedNets parses the configured CIDR list. Invalid entries are
// rejected by config validation before this is called.
func NewTrustedNets(cidrs []string) *TrustedNets {
	tn := &TrustedNets{}
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			tn.nets = append(tn.nets, n)
		}
	}
	return tn
}

// Allows reports whether remoteAddr falls inside the allowlist.
func (tn *TrustedNets) Allows(remoteAddr string) bool {
	if len(tn.nets) == 0 {
		return true
	}
	ip := net.ParseIP(ExtractClientIP(remoteAddr))
	if ip == nil {
		return false
	}
	for _, n := range tn.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

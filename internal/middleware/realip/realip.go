// Package realip resolves the client address of a request, honouring
// forwarding headers only when the connection comes from a trusted proxy.
package realip

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
)

type contextKey struct{}

// Resolver extracts the client IP from trusted proxy chains.
type Resolver struct {
	trusted []*net.IPNet

	total     atomic.Int64
	forwarded atomic.Int64 // resolved from a header rather than RemoteAddr
}

// New creates a Resolver trusting the given CIDRs or bare IPs. With no
// trusted proxies the connection address is always used.
func New(cidrs []string) (*Resolver, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: cidr}
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}
	return &Resolver{trusted: nets}, nil
}

// Extract returns the client IP of r. X-Forwarded-For is walked right to
// left and the first untrusted hop wins; X-Real-IP is the fallback.
// Repeated X-Forwarded-For lines are read as one list in arrival order.
func (rv *Resolver) Extract(r *http.Request) string {
	rv.total.Add(1)
	remote := hostOnly(r.RemoteAddr)
	if !rv.isTrusted(remote) {
		return remote
	}

	if xff := strings.Join(r.Header.Values("X-Forwarded-For"), ","); xff != "" {
		if ip := rv.walk(xff); ip != "" {
			rv.forwarded.Add(1)
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		rv.forwarded.Add(1)
		return xri
	}
	return remote
}

func (rv *Resolver) walk(xff string) string {
	parts := strings.Split(xff, ",")
	var leftmost string
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if net.ParseIP(ip) == nil {
			// a malformed hop ends the chain we can vouch for
			return leftmost
		}
		if !rv.isTrusted(ip) {
			return ip
		}
		leftmost = ip
	}
	return leftmost
}

func (rv *Resolver) isTrusted(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	for _, n := range rv.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware stores the resolved client IP in the request context.
func (rv *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), contextKey{}, rv.Extract(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the IP stored by Middleware, or "".
func FromContext(ctx context.Context) string {
	ip, _ := ctx.Value(contextKey{}).(string)
	return ip
}

// Stats reports resolver counters.
type Stats struct {
	Total        int64 `json:"total"`
	Forwarded    int64 `json:"forwarded"`
	TrustedCIDRs int   `json:"trusted_cidrs"`
}

// Stats returns the current counters.
func (rv *Resolver) Stats() Stats {
	return Stats{
		Total:        rv.total.Load(),
		Forwarded:    rv.forwarded.Load(),
		TrustedCIDRs: len(rv.trusted),
	}
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/principal"
	"github.com/platinummonkey/tenantguard/pkg/ratelimit"
)

// Admitter consumes rate limit tokens for a request
type Admitter interface {
	Admit(ctx context.Context, p *principal.Principal, cost int) (ratelimit.Result, error)
	AdmitAnonymous(ctx context.Context, addr string) (ratelimit.Result, error)
}

// RateLimitMiddleware admits requests against the plan quota of their
// organization, or the anonymous quota of their address when no principal
// was resolved. Limiter failures deny.
type RateLimitMiddleware struct {
	admitter       Admitter
	trustedProxies []*net.IPNet
}

// NewRateLimitMiddleware creates the rate limit middleware. Forwarding
// headers only name the anonymous client when the connection comes from one
// of trustedProxies.
func NewRateLimitMiddleware(admitter Admitter, trustedProxies ...*net.IPNet) *RateLimitMiddleware {
	return &RateLimitMiddleware{admitter: admitter, trustedProxies: trustedProxies}
}

// Handler returns the middleware handler
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			res ratelimit.Result
			err error
		)
		if p, ok := PrincipalFrom(r); ok {
			res, err = m.admitter.Admit(r.Context(), p, 1)
		} else {
			res, err = m.admitter.AdmitAnonymous(r.Context(), clientIP(r, m.trustedProxies))
		}

		if res.Limit > 0 {
			setRateLimitHeaders(w, res)
		}
		if err != nil {
			if authzerr.KindOf(err) == authzerr.KindThrottled {
				observability.FromContextOr(r, observability.Discard()).
					WithField("tier", res.Tier).
					Info("request throttled")
			}
			httputil.WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(contextkeys.WithRateLimit(r.Context(), res)))
	})
}

// RateLimitFrom returns the admission result of the request, if any
func RateLimitFrom(r *http.Request) (ratelimit.Result, bool) {
	res, ok := r.Context().Value(contextkeys.RateLimitKey).(ratelimit.Result)
	return res, ok
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if res.Tier != "" {
		h.Set("X-RateLimit-Tier", res.Tier)
	}
}

// clientIP extracts the client address. X-Forwarded-For and X-Real-IP are
// set by whoever connects, so they are honored only for trusted peers.
func clientIP(r *http.Request, trusted []*net.IPNet) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !isTrustedProxy(remote, trusted) {
		return remote
	}

	// The first forwarded entry is the client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	return remote
}

func isTrustedProxy(addr string, trusted []*net.IPNet) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, cidr := range trusted {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseTrustedProxies parses addresses and CIDR ranges of reverse proxies.
// A bare address is a single host range.
func ParseTrustedProxies(entries []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy range %q: %w", entry, err)
			}
			out = append(out, cidr)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid trusted proxy address %q", entry)
		}
		bits := 128
		if ip4 := ip.To4(); ip4 != nil {
			ip, bits = ip4, 32
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out, nil
}

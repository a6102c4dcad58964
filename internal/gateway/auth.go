package gateway

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"
)

// NodeLookup reports whether an authenticated node-role session exists at an IP.
// Implemented by the connection registry.
type NodeLookup interface {
	HasNodeAtIP(ip string) bool
}

// AuthResult is the resolver's decision for one request.
type AuthResult struct {
	OK          bool
	Reason      string
	RateLimited bool
	RetryAfter  time.Duration
}

// Resolver decides whether a request is authenticated: loopback bypass,
// bearer token, or private-IP fallback onto an existing node session.
type Resolver struct {
	token   string
	proxies []*net.IPNet
	limiter *FailureLimiter
	nodes   NodeLookup
}

// NewResolver builds a resolver. Invalid proxy CIDRs are skipped; a bare IP
// is treated as a /32 (or /128).
func NewResolver(token string, trustedProxies []string, limiter *FailureLimiter, nodes NodeLookup) *Resolver {
	r := &Resolver{token: token, limiter: limiter, nodes: nodes}
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			if ip := net.ParseIP(raw); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				r.proxies = append(r.proxies, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			}
			continue
		}
		if _, cidr, err := net.ParseCIDR(raw); err == nil {
			r.proxies = append(r.proxies, cidr)
		}
	}
	return r
}

// ExtractToken pulls the auth token from the Authorization header or the
// X-Hivegate-Token header. Query parameters are never consulted.
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	}
	return strings.TrimSpace(r.Header.Get("X-Hivegate-Token"))
}

// Resolve runs the decision chain. First match wins: loopback direct peers
// bypass everything including rate limiting, then a valid bearer token
// authorizes. A failed bearer token is recorded but not final; the
// private-IP node fallback is still evaluated, and otherwise the most
// specific failure reason is surfaced.
func (rs *Resolver) Resolve(r *http.Request) AuthResult {
	peerIP := peerIP(r.RemoteAddr)
	hasForwarded := r.Header.Get("X-Forwarded-For") != "" || r.Header.Get("X-Real-IP") != ""
	peerTrusted := rs.isTrustedProxy(peerIP)

	// Local operators must never be locked out by network throttling.
	if peerIP != nil && peerIP.IsLoopback() && (!hasForwarded || peerTrusted) {
		return AuthResult{OK: true}
	}

	failure := AuthResult{Reason: "missing credentials"}
	key := peerKey(peerIP, r.RemoteAddr)

	if token := ExtractToken(r); token != "" {
		if rs.token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(rs.token)) == 1 {
			if rs.limiter != nil {
				rs.limiter.ClearFailure(key)
			}
			return AuthResult{OK: true}
		}
		failure.Reason = "invalid token"
		if rs.limiter != nil {
			v := rs.limiter.RecordFailure(key, time.Now())
			if v.Throttled {
				failure.RateLimited = true
				failure.RetryAfter = v.RetryAfter
			}
		}
	}

	effective := peerIP
	if peerTrusted {
		if fwd := forwardedClientIP(r); fwd != nil {
			effective = fwd
		}
	}

	// A paired local device may piggyback on an authenticated node session at
	// the same IP, but never across a shared public egress IP and never
	// through an untrusted proxy.
	if effective != nil &&
		(effective.IsLoopback() || effective.IsPrivate()) &&
		(!hasForwarded || peerTrusted) &&
		rs.nodes != nil && rs.nodes.HasNodeAtIP(effective.String()) {
		return AuthResult{OK: true}
	}

	return failure
}

// EffectiveClientIP resolves the caller IP, honoring forwarded headers only
// when the immediate peer is a trusted proxy. Used as the hook limiter key.
func (rs *Resolver) EffectiveClientIP(r *http.Request) string {
	ip := peerIP(r.RemoteAddr)
	if rs.isTrustedProxy(ip) {
		if fwd := forwardedClientIP(r); fwd != nil {
			return fwd.String()
		}
	}
	return peerKey(ip, r.RemoteAddr)
}

func (rs *Resolver) isTrustedProxy(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, cidr := range rs.proxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func peerIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(host)
}

func peerKey(ip net.IP, remoteAddr string) string {
	if ip != nil {
		return ip.String()
	}
	return remoteAddr
}

// forwardedClientIP returns the first X-Forwarded-For hop, or X-Real-IP.
// Only meaningful when the immediate peer is a trusted proxy.
func forwardedClientIP(r *http.Request) net.IP {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return net.ParseIP(real)
	}
	return nil
}

package httphandler

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// errBadSignature is returned for webhook bodies whose signature does not
// match the configured secret.
var errBadSignature = errors.New("signature verification failed")

// verifyGitHubSignature checks the X-Hub-Signature-256 header against the
// HMAC-SHA256 of payload. An empty secret disables the check.
func verifyGitHubSignature(secret string, payload []byte, signature string) error {
	if secret == "" {
		return nil
	}

	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return errBadSignature
	}
	expected, err := hex.DecodeString(hexSig)
	if err != nil {
		return errBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(expected, mac.Sum(nil)) {
		return errBadSignature
	}
	return nil
}

// bearerMatches reports whether r carries token as its bearer credential.
// An empty token never matches.
func bearerMatches(r *http.Request, token string) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return tokenMatches(got, token)
}

// tokenMatches compares a presented secret with the configured one in
// constant time. An empty configured secret never matches.
func tokenMatches(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// rateLimiter keeps one token bucket per source address. Idle sources are
// evicted after five minutes.
type rateLimiter struct {
	limiters *expirable.LRU[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

func newRateLimiter(requestsPerMin int) *rateLimiter {
	return &rateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](1000, nil, 5*time.Minute),
		rate:     rate.Limit(float64(requestsPerMin) / 60.0),
		burst:    max(requestsPerMin/10, 1),
	}
}

// Allow reports whether key may make another request now.
func (rl *rateLimiter) Allow(key string) bool {
	limiter, ok := rl.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters.Add(key, limiter)
	}
	return limiter.Allow()
}

// trustedProxies holds the networks whose forwarding headers are believed.
type trustedProxies []netip.Prefix

// parseTrustedProxies accepts bare addresses and CIDR prefixes. Entries that
// are neither are returned separately so the caller can report them.
func parseTrustedProxies(entries []string) (trustedProxies, []string) {
	var (
		out     trustedProxies
		invalid []string
	)
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(e); err == nil {
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			invalid = append(invalid, e)
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, invalid
}

func (tp trustedProxies) contains(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range tp {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP returns the address a request came from. Forwarding headers are
// only read when the direct peer is a trusted proxy. X-Forwarded-For is
// walked from the right and the first hop not owned by a trusted proxy wins.
func (tp trustedProxies) clientIP(r *http.Request) string {
	remote, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remote = r.RemoteAddr
	}
	if !tp.contains(remote) {
		return remote
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !tp.contains(hop) {
				return hop
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return remote
}

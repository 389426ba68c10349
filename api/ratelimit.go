package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/byu-ilab/onekey/ca"
)

type attemptRecord struct {
	count int
	last  time.Time
	until time.Time
}

// backoffLimiter locks a key out once it reaches max counted attempts,
// doubling the lockout for each attempt after that up to ceiling.
type backoffLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord

	max     int
	base    time.Duration
	ceiling time.Duration
	expiry  time.Duration
	now     func() time.Time
}

func (rl *backoffLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.last) > rl.expiry {
		delete(rl.attempts, key)
		return false, 0
	}
	if now.Before(rec.until) {
		return true, rec.until.Sub(now)
	}
	return false, 0
}

func (rl *backoffLimiter) record(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	now := rl.now()
	rec.count++
	rec.last = now

	if rec.count >= rl.max {
		lockout := rl.base
		for range rec.count - rl.max {
			lockout *= 2
			if lockout >= rl.ceiling {
				lockout = rl.ceiling
				break
			}
		}
		rec.until = now.Add(lockout)
	}
}

func (rl *backoffLimiter) reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// sweep removes expired records. Call periodically from a background goroutine.
func (rl *backoffLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, rec := range rl.attempts {
		if now.Sub(rec.last) > rl.expiry {
			delete(rl.attempts, key)
		}
	}
}

// ---------------------------------------------------------------------------
// Per-account proof limiter
// ---------------------------------------------------------------------------

const (
	proofMaxFailures = 5
	proofBaseLockout = 1 * time.Minute
	proofMaxLockout  = 15 * time.Minute
	proofExpiry      = 1 * time.Hour
)

// proofRateLimiter counts failed authenticator proofs (unknown, expired or
// revoked certificates, bad signatures) per username. Successful proofs
// clear the count.
type proofRateLimiter struct {
	backoffLimiter
}

func newProofRateLimiter() *proofRateLimiter {
	return &proofRateLimiter{backoffLimiter{
		attempts: make(map[string]*attemptRecord),
		max:      proofMaxFailures,
		base:     proofBaseLockout,
		ceiling:  proofMaxLockout,
		expiry:   proofExpiry,
		now:      time.Now,
	}}
}

func (rl *proofRateLimiter) recordFailure(username string) { rl.record(username) }

func (rl *proofRateLimiter) recordSuccess(username string) { rl.reset(username) }

// ---------------------------------------------------------------------------
// Per-IP signing limiter
// ---------------------------------------------------------------------------
//
// /sign is unauthenticated for an account's first authenticator and costs
// an RSA signature per call, so every request counts.

const (
	signIPMaxRequests = 10
	signIPBaseLockout = 5 * time.Minute
	signIPMaxLockout  = 1 * time.Hour
	signIPExpiry      = 1 * time.Hour
)

type signIPLimiter struct {
	backoffLimiter
}

func newSignIPLimiter() *signIPLimiter {
	return &signIPLimiter{backoffLimiter{
		attempts: make(map[string]*attemptRecord),
		max:      signIPMaxRequests,
		base:     signIPBaseLockout,
		ceiling:  signIPMaxLockout,
		expiry:   signIPExpiry,
		now:      time.Now,
	}}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, ca.CodeRateLimited, "too many requests; try again later")
}

func retryAfterString(d time.Duration) string {
	return strconv.Itoa(max(int(d.Seconds()), 1))
}

// ---------------------------------------------------------------------------
// Helper: extract client IP
// ---------------------------------------------------------------------------

func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if RemoteAddr falls within one of trustedProxies. With no trusted proxies
// RemoteAddr is always returned.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for part := range strings.SplitSeq(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for elem := range strings.SplitSeq(fwd, ",") {
				for param := range strings.SplitSeq(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}

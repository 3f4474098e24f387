package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warp/benefits-engine/benefit"
)

// PrincipalHeader carries the caller's principal id. Authentication happens
// in front of this service; the id is trusted and resolved to a profile.
const PrincipalHeader = "X-Principal-ID"

type ctxKey int

const callerKey ctxKey = iota

// callerFrom returns the profile stored by RequirePrincipal.
func callerFrom(ctx context.Context) (benefit.Profile, bool) {
	p, ok := ctx.Value(callerKey).(benefit.Profile)
	return p, ok
}

// RequirePrincipal resolves the caller through the identity provider.
func RequirePrincipal(identities benefit.IdentityProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := benefit.PrincipalID(strings.TrimSpace(r.Header.Get(PrincipalHeader)))
			if id == "" {
				writeStatus(w, http.StatusUnauthorized, benefit.KindUnauthorized, "missing "+PrincipalHeader+" header")
				return
			}
			profile, err := identities.Profile(r.Context(), id)
			if err != nil {
				if benefit.IsNotFound(err) {
					writeStatus(w, http.StatusUnauthorized, benefit.KindUnauthorized, "unknown principal "+string(id))
					return
				}
				writeErr(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, profile)))
		})
	}
}

// RequireServiceToken guards the service-to-service ledger API. An empty
// token refuses every call.
func RequireServiceToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeStatus(w, http.StatusUnauthorized, benefit.KindUnauthorized, "invalid service token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// RATE LIMITING - token bucket per principal, falling back to client IP
// =============================================================================

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one limiter per visitor and forgets visitors idle for
// longer than idleTTL.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewRateLimiter(rps float64, burst int, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
		idleTTL:  3 * time.Minute,
		now:      time.Now,
		logger:   logger,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Sweep drops idle visitors. The server calls it from its maintenance loop.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	cutoff := rl.now().Add(-rl.idleTTL)
	for key, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.Sweep()
		}
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := visitorKey(r)
		if !rl.limiter(key).Allow() {
			rl.logger.Debug("rate limited", zap.String("visitor", key), zap.String("path", r.URL.Path))
			w.Header().Set("Retry-After", "1")
			writeStatus(w, http.StatusTooManyRequests, benefit.KindValidation, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func visitorKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(PrincipalHeader)); id != "" {
		return "principal:" + id
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return "ip:" + ip
}

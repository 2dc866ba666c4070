package httpx

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-streamhub/internal/apperr"
	"github.com/ariefcatur/go-streamhub/internal/auth"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ctxKey int

const principalKey ctxKey = iota

func principalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

// TokenParser verifies bearer tokens; *auth.TokenService satisfies it.
type TokenParser interface {
	Parse(token string) (*auth.Principal, error)
}

// RequireRole admits requests carrying a valid bearer token for one of roles.
func RequireRole(tokens TokenParser, log *zap.Logger, roles ...auth.Role) func(http.Handler) http.Handler {
	allowed := map[auth.Role]bool{}
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			tok, ok := strings.CutPrefix(h, "Bearer ")
			if !ok || tok == "" {
				writeError(w, r, log, apperr.Unauthorized("missing bearer token"))
				return
			}
			p, err := tokens.Parse(strings.TrimSpace(tok))
			if err != nil {
				writeError(w, r, log, apperr.Unauthorized("invalid or expired token"))
				return
			}
			if !allowed[p.Role] {
				writeError(w, r, log, apperr.Forbidden("access denied"))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
		})
	}
}

// RateLimiter keeps one token bucket per client IP. Buckets idle for longer
// than the sweep interval are dropped.
type RateLimiter struct {
	mu    sync.Mutex
	ips   map[string]*visitor
	rate  rate.Limit
	burst int
	log   *zap.Logger
}

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewRateLimiter(perMinute int, log *zap.Logger) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	burst := perMinute / 4
	if burst < 3 {
		burst = 3
	}
	return &RateLimiter{
		ips:   map[string]*visitor{},
		rate:  rate.Every(time.Minute / time.Duration(perMinute)),
		burst: burst,
		log:   log,
	}
}

func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.ips[ip]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.ips[ip] = v
	}
	v.seen = time.Now()
	return v.lim
}

// Sweep forgets visitors not seen for idle. Run it periodically.
func (rl *RateLimiter) Sweep(idle time.Duration) {
	cutoff := time.Now().Add(-idle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.ips {
		if v.seen.Before(cutoff) {
			delete(rl.ips, ip)
		}
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter(clientIP(r)).Allow() {
			w.Header().Set("Retry-After", "60")
			writeError(w, r, rl.log, apperr.ErrTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

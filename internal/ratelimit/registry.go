package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chatmesh/gateway/internal/config"
	"github.com/chatmesh/gateway/internal/errors"
	"github.com/chatmesh/gateway/internal/middleware"
	"github.com/chatmesh/gateway/internal/reqctx"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Registry holds the token buckets: one global, one per configured path
// prefix, one per client IP (created lazily) and one per API key.
// Buckets are rebuilt when a reload swaps the config; in-flight tokens
// reset with them.
type Registry struct {
	mu     sync.Mutex
	cfg    *config.GatewayConfig
	global *rate.Limiter
	paths  []pathLimiter
	ips    map[string]*rate.Limiter
	keys   map[string]*rate.Limiter
}

type pathLimiter struct {
	prefix  string
	limiter *rate.Limiter
}

// NewRegistry creates an empty registry; buckets materialize on first use.
func NewRegistry() *Registry {
	return &Registry{}
}

func newLimiter(rule config.RateLimitRule) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(rule.RequestsPerSecond), rule.BurstSize)
}

// rebuild swaps in buckets for cfg. Caller holds r.mu.
func (r *Registry) rebuild(cfg *config.GatewayConfig) {
	r.cfg = cfg
	r.global = nil
	if cfg.RateLimit.Global.Enabled {
		r.global = newLimiter(cfg.RateLimit.Global)
	}
	r.paths = r.paths[:0]
	for _, pr := range cfg.RateLimit.PathRules {
		if pr.Rule.Enabled {
			r.paths = append(r.paths, pathLimiter{prefix: pr.PathPrefix, limiter: newLimiter(pr.Rule)})
		}
	}
	r.ips = make(map[string]*rate.Limiter)
	r.keys = make(map[string]*rate.Limiter)
	for key, rule := range cfg.RateLimit.APIKeyRules {
		if rule.Enabled {
			r.keys[key] = newLimiter(rule)
		}
	}
}

// Check evaluates every applicable bucket. The request is denied when any
// bucket is empty; on denial all reservations are returned so the request
// costs nothing, and RetryAfter reflects the slowest bucket, at least one
// second.
func (r *Registry) Check(cfg *config.GatewayConfig, path, clientIP, apiKey string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg != cfg {
		r.rebuild(cfg)
	}

	limiters := make([]*rate.Limiter, 0, 4)
	if r.global != nil {
		limiters = append(limiters, r.global)
	}
	if pl := r.matchPath(path); pl != nil {
		limiters = append(limiters, pl)
	}
	if ipl := r.ipLimiter(clientIP); ipl != nil {
		limiters = append(limiters, ipl)
	}
	if apiKey != "" {
		if kl, ok := r.keys[apiKey]; ok {
			limiters = append(limiters, kl)
		}
	}

	now := time.Now()
	reservations := make([]*rate.Reservation, 0, len(limiters))
	var worst time.Duration
	denied := false
	for _, l := range limiters {
		res := l.ReserveN(now, 1)
		reservations = append(reservations, res)
		if !res.OK() {
			denied = true
			worst = maxDuration(worst, time.Second)
			continue
		}
		if delay := res.DelayFrom(now); delay > 0 {
			denied = true
			worst = maxDuration(worst, delay)
		}
	}

	if denied {
		// return the tokens so a denied request costs nothing
		for _, res := range reservations {
			if res.OK() {
				res.CancelAt(now)
			}
		}
		if worst < time.Second {
			worst = time.Second
		}
		return Decision{Allowed: false, RetryAfter: worst}
	}
	return Decision{Allowed: true}
}

// matchPath returns the longest-prefix path bucket for path, or nil.
func (r *Registry) matchPath(path string) *rate.Limiter {
	var best *pathLimiter
	for i := range r.paths {
		pl := &r.paths[i]
		if !strings.HasPrefix(path, pl.prefix) {
			continue
		}
		if best == nil || len(pl.prefix) > len(best.prefix) {
			best = pl
		}
	}
	if best == nil {
		return nil
	}
	return best.limiter
}

// ipLimiter returns the bucket for clientIP, creating it lazily from the
// per-IP rule or the default.
func (r *Registry) ipLimiter(clientIP string) *rate.Limiter {
	if clientIP == "" {
		return nil
	}
	if l, ok := r.ips[clientIP]; ok {
		return l
	}
	rule, ok := r.cfg.RateLimit.IPRules[clientIP]
	if !ok {
		rule = r.cfg.RateLimit.IPDefault
	}
	if !rule.Enabled {
		return nil
	}
	l := newLimiter(rule)
	r.ips[clientIP] = l
	return l
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// Middleware enforces rate limits using the pinned snapshot. Denials get
// a 429 with a Retry-After header and the wait in the body.
func Middleware(reg *Registry, apiKeyFrom func(*http.Request, *config.GatewayConfig) string) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := reqctx.Get(r)
			cfg := ctx.Snapshot.Config

			var apiKey string
			if apiKeyFrom != nil {
				apiKey = apiKeyFrom(r, cfg)
			}
			d := reg.Check(cfg, r.URL.Path, ctx.ClientIP, apiKey)
			if !d.Allowed {
				secs := int64(d.RetryAfter.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				errors.ErrTooManyRequests.WithRetryAfter(secs).WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package auth

import (
	"net/http"
	"strings"
	"sync"

	"github.com/chatmesh/gateway/internal/config"
	"github.com/chatmesh/gateway/internal/errors"
	"github.com/chatmesh/gateway/internal/middleware"
	"github.com/chatmesh/gateway/internal/reqctx"
)

// Authenticator dispatches to the enabled scheme: JWT, API key or OAuth2.
// Scheme instances are rebuilt when a reload swaps the config.
type Authenticator struct {
	mu     sync.Mutex
	cfg    *config.GatewayConfig
	jwt    *JWTAuth
	apiKey *APIKeyAuth
	oauth  *OAuth2Auth
}

// NewAuthenticator creates an empty authenticator; schemes materialize on
// first use.
func NewAuthenticator() *Authenticator {
	return &Authenticator{}
}

// Authenticate applies the whitelists, then the enabled scheme.
// A whitelisted request passes with a nil principal and nil error.
func (a *Authenticator) Authenticate(r *http.Request, cfg *config.GatewayConfig) (*reqctx.Principal, error) {
	if pathWhitelisted(r.URL.Path, cfg.Auth.PathWhitelist) {
		return nil, nil
	}
	if ipWhitelisted(reqctx.ExtractClientIP(r), cfg.Auth.IPWhitelist) {
		return nil, nil
	}

	jwtAuth, apiKeyAuth, oauthAuth := a.schemes(cfg)
	switch {
	case cfg.Auth.JWT.Enabled:
		return jwtAuth.Authenticate(r)
	case cfg.Auth.APIKey.Enabled:
		return apiKeyAuth.Authenticate(r)
	case cfg.Auth.OAuth2.Enabled:
		return oauthAuth.Authenticate(r)
	default:
		// no scheme enabled means authentication cannot be performed at all
		return nil, errors.ErrServiceUnavailable
	}
}

// schemes returns scheme instances bound to cfg, rebuilding on config change.
func (a *Authenticator) schemes(cfg *config.GatewayConfig) (*JWTAuth, *APIKeyAuth, *OAuth2Auth) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg != cfg {
		a.cfg = cfg
		a.jwt = NewJWTAuth(cfg.Auth.JWT)
		a.apiKey = NewAPIKeyAuth(cfg.Auth.APIKey)
		a.oauth = NewOAuth2Auth(cfg.Auth.OAuth2)
	}
	return a.jwt, a.apiKey, a.oauth
}

// APIKeyFrom returns the request's API key header value per the pinned
// config, for per-key rate limiting.
func (a *Authenticator) APIKeyFrom(r *http.Request, cfg *config.GatewayConfig) string {
	name := cfg.Auth.APIKey.HeaderName
	if name == "" {
		name = "X-API-Key"
	}
	return r.Header.Get(name)
}

// Authorize checks a route's role requirements. Admins pass everything;
// otherwise any one of the required roles suffices.
func Authorize(p *reqctx.Principal, required []string) error {
	if len(required) == 0 {
		return nil
	}
	if p == nil {
		return errors.ErrForbidden
	}
	if p.HasRole("admin") {
		return nil
	}
	for _, role := range required {
		if p.HasRole(role) {
			return nil
		}
	}
	return errors.ErrForbidden
}

// Middleware authenticates each request against the pinned snapshot and
// attaches the principal to the request context. Routes declared with
// requireAuth false admit anonymous requests on every path under their
// prefix; unmatched paths still require credentials unless whitelisted.
func Middleware(a *Authenticator) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := reqctx.Get(r)
			if route := ctx.Snapshot.Table.Match(r.URL.Path); route != nil && !route.RequireAuth {
				next.ServeHTTP(w, r)
				return
			}
			principal, err := a.Authenticate(r, ctx.Snapshot.Config)
			if err != nil {
				if ge, ok := errors.IsGatewayError(err); ok {
					ge.WriteJSON(w)
				} else {
					errors.ErrUnauthorized.WriteJSON(w)
				}
				return
			}
			ctx.Principal = principal
			next.ServeHTTP(w, r)
		})
	}
}

func pathWhitelisted(path string, whitelist []string) bool {
	for _, prefix := range whitelist {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func ipWhitelisted(ip string, whitelist []string) bool {
	for _, allowed := range whitelist {
		if ip == allowed {
			return true
		}
	}
	return false
}

package auth

import (
	"net/http"
	"time"

	"github.com/chatmesh/gateway/internal/config"
	"github.com/chatmesh/gateway/internal/errors"
	"github.com/chatmesh/gateway/internal/reqctx"
)

// APIKeyAuth authenticates requests against the static key table.
type APIKeyAuth struct {
	headerName string
	keys       map[string]config.APIKeyInfo
}

// NewAPIKeyAuth creates an API-key authenticator from config.
func NewAPIKeyAuth(cfg config.APIKeyConfig) *APIKeyAuth {
	a := &APIKeyAuth{
		headerName: cfg.HeaderName,
		keys:       cfg.APIKeys,
	}
	if a.headerName == "" {
		a.headerName = "X-API-Key"
	}
	return a
}

// Authenticate looks up the presented key and returns its principal.
func (a *APIKeyAuth) Authenticate(r *http.Request) (*reqctx.Principal, error) {
	key := r.Header.Get(a.headerName)
	if key == "" {
		return nil, errors.ErrUnauthorized
	}

	info, ok := a.keys[key]
	if !ok || !info.Enabled {
		return nil, errors.ErrInvalidAPIKey
	}
	if info.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339, info.ExpiresAt)
		if err != nil || !exp.After(time.Now()) {
			return nil, errors.ErrAPIKeyExpired
		}
	}

	return &reqctx.Principal{
		UserID:   info.UserID,
		Username: info.Name,
		Roles:    info.Permissions,
	}, nil
}

// Key returns the presented API key, if any. The rate limiter uses it to
// select per-key buckets.
func (a *APIKeyAuth) Key(r *http.Request) string {
	return r.Header.Get(a.headerName)
}

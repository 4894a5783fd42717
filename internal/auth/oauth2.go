package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chatmesh/gateway/internal/config"
	"github.com/chatmesh/gateway/internal/errors"
	"github.com/chatmesh/gateway/internal/logging"
	"github.com/chatmesh/gateway/internal/reqctx"
)

// OAuth2Auth validates bearer tokens against an OAuth2 userinfo endpoint.
type OAuth2Auth struct {
	userinfoURL string
	client      *http.Client
}

// NewOAuth2Auth creates an OAuth2 authenticator from config.
func NewOAuth2Auth(cfg config.OAuth2Config) *OAuth2Auth {
	return &OAuth2Auth{
		userinfoURL: cfg.Userinfo(),
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Authenticate resolves the bearer token to a principal via the userinfo
// endpoint. The token comes from the Authorization header or the
// access_token query parameter.
func (a *OAuth2Auth) Authenticate(r *http.Request) (*reqctx.Principal, error) {
	token := extractBearer(r)
	if token == "" {
		return nil, errors.ErrUnauthorized
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, a.userinfoURL, nil)
	if err != nil {
		return nil, errors.ErrInvalidToken
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		logging.Warn("userinfo request failed", zap.Error(err))
		return nil, errors.ErrInvalidToken
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.ErrInvalidToken
	}

	var info map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errors.ErrInvalidToken
	}
	return principalFromUserinfo(info)
}

func extractBearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			return h[7:]
		}
	}
	return r.URL.Query().Get("access_token")
}

// principalFromUserinfo maps a userinfo body onto a principal:
// sub|id as the user ID, name|username|email as the username, roles as
// roles, email stashed in extra.
func principalFromUserinfo(info map[string]interface{}) (*reqctx.Principal, error) {
	p := &reqctx.Principal{}

	switch {
	case info["sub"] != nil:
		id, err := toInt64(info["sub"])
		if err != nil {
			return nil, errors.ErrInvalidToken
		}
		p.UserID = id
	case info["id"] != nil:
		id, err := toInt64(info["id"])
		if err != nil {
			return nil, errors.ErrInvalidToken
		}
		p.UserID = id
	default:
		return nil, errors.ErrInvalidToken
	}

	for _, k := range []string{"name", "username", "email"} {
		if v, ok := info[k].(string); ok && v != "" {
			p.Username = v
			break
		}
	}
	if raw, ok := info["roles"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				p.Roles = append(p.Roles, s)
			}
		}
	}
	if email, ok := info["email"].(string); ok && email != "" {
		p.Extra = map[string]string{"email": email}
	}
	return p, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case string:
		return strconv.ParseInt(n, 10, 64)
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("not a numeric id: %T", v)
	}
}

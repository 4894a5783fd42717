package auth

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chatmesh/gateway/internal/config"
	"github.com/chatmesh/gateway/internal/errors"
	"github.com/chatmesh/gateway/internal/reqctx"
)

// JWTAuth verifies HS256 bearer tokens.
type JWTAuth struct {
	secret         []byte
	headerName     string
	headerPrefix   string
	verifyIssuer   bool
	allowedIssuers []string
	keyFunc        jwt.Keyfunc
}

// NewJWTAuth creates a JWT authenticator from config.
func NewJWTAuth(cfg config.JWTConfig) *JWTAuth {
	a := &JWTAuth{
		secret:         []byte(cfg.Secret),
		headerName:     cfg.HeaderName,
		headerPrefix:   cfg.HeaderPrefix,
		verifyIssuer:   cfg.VerifyIssuer,
		allowedIssuers: cfg.AllowedIssuers,
	}
	if a.headerName == "" {
		a.headerName = "Authorization"
	}
	if a.headerPrefix == "" {
		a.headerPrefix = "Bearer "
	}
	a.keyFunc = func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}
	return a
}

// Authenticate verifies the token and returns the caller's principal.
func (a *JWTAuth) Authenticate(r *http.Request) (*reqctx.Principal, error) {
	tokenString := a.extractToken(r)
	if tokenString == "" {
		return nil, errors.ErrUnauthorized
	}

	token, err := jwt.Parse(tokenString, a.keyFunc)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.ErrTokenExpired
		}
		return nil, errors.ErrInvalidToken
	}
	if !token.Valid {
		return nil, errors.ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.ErrInvalidToken
	}

	if a.verifyIssuer {
		iss, _ := claims.GetIssuer()
		if !a.issuerAllowed(iss) {
			return nil, errors.ErrInvalidIssuer
		}
	}

	sub, _ := claims.GetSubject()
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return nil, errors.ErrInvalidToken
	}

	p := &reqctx.Principal{UserID: userID}
	if v, ok := claims["username"].(string); ok {
		p.Username = v
	} else if v, ok := claims["name"].(string); ok {
		p.Username = v
	}
	if raw, ok := claims["roles"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				p.Roles = append(p.Roles, s)
			}
		}
	}
	return p, nil
}

func (a *JWTAuth) extractToken(r *http.Request) string {
	h := r.Header.Get(a.headerName)
	if h == "" {
		return ""
	}
	if a.headerPrefix == "" {
		return h
	}
	if len(h) > len(a.headerPrefix) && strings.EqualFold(h[:len(a.headerPrefix)], a.headerPrefix) {
		return h[len(a.headerPrefix):]
	}
	return ""
}

func (a *JWTAuth) issuerAllowed(iss string) bool {
	for _, allowed := range a.allowedIssuers {
		if iss == allowed {
			return true
		}
	}
	return false
}

// GenerateToken signs a token with the configured secret. Test helper.
func (a *JWTAuth) GenerateToken(claims map[string]interface{}) (string, error) {
	mapClaims := jwt.MapClaims{}
	for k, v := range claims {
		mapClaims[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims)
	return token.SignedString(a.secret)
}

package reqctx

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/chatmesh/gateway/internal/router"
)

type ctxKey struct{}

// Principal is the authenticated caller attached by the auth layer.
type Principal struct {
	UserID   int64
	Username string
	Roles    []string
	Extra    map[string]string
}

// HasRole reports whether the principal carries the role (case-insensitive).
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Context carries per-request gateway state through the middleware chain.
// One instance is allocated per request; middlewares mutate it in place,
// which is safe because a request is handled by one goroutine at a time.
type Context struct {
	RequestID string
	ClientIP  string
	StartTime time.Time

	// set by the auth middleware unless the request was whitelisted
	Principal *Principal

	// pinned once at the top of the chain
	Snapshot *router.Snapshot

	// set by the route-match stage
	Route *router.Route

	// set by the proxy
	UpstreamAddr   string
	UpstreamStatus int
}

// New allocates a request context and stamps the start time.
func New(r *http.Request) *Context {
	return &Context{
		ClientIP:  ExtractClientIP(r),
		StartTime: time.Now(),
	}
}

// Inject returns a request whose context carries c.
func Inject(r *http.Request, c *Context) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKey{}, c))
}

// Get returns the gateway context attached to the request, or nil.
func Get(r *http.Request) *Context {
	c, _ := r.Context().Value(ctxKey{}).(*Context)
	return c
}

// ExtractClientIP resolves the client address: the first X-Forwarded-For
// element, then X-Real-IP, then the socket peer.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if i := strings.IndexByte(xff, ','); i >= 0 {
			first = xff[:i]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

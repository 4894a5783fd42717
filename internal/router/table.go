package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/chatmesh/gateway/internal/config"
)

// Route is a compiled route rule. Immutable after compilation.
type Route struct {
	ID             string
	Name           string
	PathPrefix     string
	ServiceID      string
	RequireAuth    bool
	RequiredRoles  []string
	Methods        map[string]bool
	HeaderRewrites map[string]string
	GRPC           bool

	replacePrefix    string
	hasReplacePrefix bool
	regexMatch       *regexp.Regexp
	regexReplace     string
}

// AllowsMethod reports whether the route accepts the method. An empty
// method list accepts everything.
func (r *Route) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	return r.Methods[strings.ToUpper(method)]
}

// RewritePath applies the route's path rewrite: the prefix replacement
// first, then the regex substitution on its output.
func (r *Route) RewritePath(path string) string {
	out := path
	if r.hasReplacePrefix && strings.HasPrefix(out, r.PathPrefix) {
		rest := strings.TrimPrefix(out, r.PathPrefix)
		out = "/" + strings.TrimLeft(r.replacePrefix+rest, "/")
	}
	if r.regexMatch != nil {
		out = r.regexMatch.ReplaceAllString(out, r.regexReplace)
	}
	return out
}

// Table is a compiled route table. Built once per config snapshot and
// never mutated; concurrent lookups need no locking.
type Table struct {
	routes []*Route
}

// Compile builds a table from route rules. Rules keep their declaration
// order so that equal-length prefixes tie-break deterministically.
func Compile(rc config.RoutesConfig) (*Table, error) {
	routes := make([]*Route, 0, len(rc.Routes))
	for _, rule := range rc.Routes {
		r := &Route{
			ID:             rule.ID,
			Name:           rule.Name,
			PathPrefix:     rule.PathPrefix,
			ServiceID:      rule.ServiceName(),
			RequireAuth:    rule.RequireAuth,
			RequiredRoles:  rule.RequiredRoles,
			HeaderRewrites: rule.HeaderRewrites,
			GRPC:           rule.GRPC,
		}
		if len(rule.Methods) > 0 {
			r.Methods = make(map[string]bool, len(rule.Methods))
			for _, m := range rule.Methods {
				r.Methods[strings.ToUpper(m)] = true
			}
		}
		if pr := rule.PathRewrite; pr != nil {
			if pr.ReplacePrefix != "" {
				r.replacePrefix = pr.ReplacePrefix
				r.hasReplacePrefix = true
			}
			if pr.RegexMatch != "" {
				re, err := regexp.Compile(pr.RegexMatch)
				if err != nil {
					return nil, fmt.Errorf("route %q: bad regexMatch: %w", rule.ID, err)
				}
				r.regexMatch = re
				r.regexReplace = pr.RegexReplace
			}
		}
		routes = append(routes, r)
	}
	return &Table{routes: routes}, nil
}

// Match returns the route with the longest matching path prefix, or nil.
// Equal-length candidates resolve to the first declared.
func (t *Table) Match(path string) *Route {
	var best *Route
	for _, r := range t.routes {
		if !strings.HasPrefix(path, r.PathPrefix) {
			continue
		}
		if best == nil || len(r.PathPrefix) > len(best.PathPrefix) {
			best = r
		}
	}
	return best
}

// Routes returns the compiled routes in declaration order.
func (t *Table) Routes() []*Route {
	return t.routes
}

// Snapshot pairs an immutable config generation with its compiled route
// table. Each request pins one snapshot and uses it throughout.
type Snapshot struct {
	Config *config.GatewayConfig
	Table  *Table
}

// NewSnapshot compiles cfg's routes into a snapshot.
func NewSnapshot(cfg *config.GatewayConfig) (*Snapshot, error) {
	table, err := Compile(cfg.Routes)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Config: cfg, Table: table}, nil
}

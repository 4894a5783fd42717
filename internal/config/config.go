package config

import (
	"fmt"
	"strings"
	"time"
)

// GatewayConfig is the complete gateway configuration. A loaded config is
// immutable: hot reload builds a fresh GatewayConfig and swaps it in the
// Store, it never mutates a live one.
type GatewayConfig struct {
	Server          ServerConfig    `yaml:"server" json:"server" toml:"server"`
	Routes          RoutesConfig    `yaml:"routes" json:"routes" toml:"routes"`
	RateLimit       RateLimitConfig `yaml:"rateLimit" json:"rateLimit" toml:"rateLimit"`
	Auth            AuthConfig      `yaml:"auth" json:"auth" toml:"auth"`
	ConsulURL       string          `yaml:"consulUrl" json:"consulUrl" toml:"consulUrl"`
	RefreshSeconds  int             `yaml:"serviceRefreshInterval" json:"serviceRefreshInterval" toml:"serviceRefreshInterval"`
	MetricsEndpoint string          `yaml:"metricsEndpoint" json:"metricsEndpoint" toml:"metricsEndpoint"`
	Tracing         TracingConfig   `yaml:"tracing" json:"tracing" toml:"tracing"`
	Retry           RetryConfig     `yaml:"retry" json:"retry" toml:"retry"`
	CircuitBreaker  BreakerConfig   `yaml:"circuitBreaker" json:"circuitBreaker" toml:"circuitBreaker"`
}

// ServerConfig holds listener and request-plane limits.
type ServerConfig struct {
	Host               string `yaml:"host" json:"host" toml:"host"`
	Port               int    `yaml:"port" json:"port" toml:"port"`
	RequestTimeoutSecs int    `yaml:"requestTimeoutSecs" json:"requestTimeoutSecs" toml:"requestTimeoutSecs"`
	MaxBodyBytes       int64  `yaml:"maxBodyBytes" json:"maxBodyBytes" toml:"maxBodyBytes"`
	LogLevel           string `yaml:"logLevel" json:"logLevel" toml:"logLevel"`
}

// RequestTimeout returns the request-wide deadline.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSecs) * time.Second
}

// RoutesConfig holds the ordered route table.
type RoutesConfig struct {
	Routes []RouteRule `yaml:"routes" json:"routes" toml:"routes"`
}

// RouteRule maps a path prefix to an upstream service.
type RouteRule struct {
	ID             string            `yaml:"id" json:"id" toml:"id"`
	Name           string            `yaml:"name" json:"name" toml:"name"`
	PathPrefix     string            `yaml:"pathPrefix" json:"pathPrefix" toml:"pathPrefix"`
	ServiceType    string            `yaml:"serviceType" json:"serviceType" toml:"serviceType"`
	RequireAuth    bool              `yaml:"requireAuth" json:"requireAuth" toml:"requireAuth"`
	RequiredRoles  []string          `yaml:"requiredRoles" json:"requiredRoles" toml:"requiredRoles"`
	Methods        []string          `yaml:"methods" json:"methods" toml:"methods"`
	HeaderRewrites map[string]string `yaml:"headerRewrites" json:"headerRewrites" toml:"headerRewrites"`
	PathRewrite    *PathRewrite      `yaml:"pathRewrite" json:"pathRewrite" toml:"pathRewrite"`
	GRPC           bool              `yaml:"grpc" json:"grpc" toml:"grpc"`
}

// PathRewrite rewrites the matched request path before forwarding.
// ReplacePrefix runs first, then the regex substitution.
type PathRewrite struct {
	ReplacePrefix string `yaml:"replacePrefix" json:"replacePrefix" toml:"replacePrefix"`
	RegexMatch    string `yaml:"regexMatch" json:"regexMatch" toml:"regexMatch"`
	RegexReplace  string `yaml:"regexReplace" json:"regexReplace" toml:"regexReplace"`
}

// ServiceName resolves the route's upstream registry name. Well-known
// service types map to the fleet's service names; anything else is taken
// verbatim as a registry name.
func (r RouteRule) ServiceName() string {
	switch strings.ToLower(r.ServiceType) {
	case "auth":
		return "auth-service"
	case "user":
		return "user-service"
	case "friend":
		return "friend-service"
	case "group":
		return "group-service"
	case "chat":
		return "chat-service"
	case "static":
		return "static-service"
	default:
		return r.ServiceType
	}
}

// RateLimitConfig holds all rate-limit rules.
type RateLimitConfig struct {
	Global      RateLimitRule            `yaml:"global" json:"global" toml:"global"`
	PathRules   []PathRateLimitRule      `yaml:"pathRules" json:"pathRules" toml:"pathRules"`
	IPRules     map[string]RateLimitRule `yaml:"ipRules" json:"ipRules" toml:"ipRules"`
	APIKeyRules map[string]RateLimitRule `yaml:"apiKeyRules" json:"apiKeyRules" toml:"apiKeyRules"`
	// IPDefault seeds limiters for IPs without an explicit rule.
	IPDefault RateLimitRule `yaml:"ipDefault" json:"ipDefault" toml:"ipDefault"`
}

// PathRateLimitRule applies a rule to a path prefix.
type PathRateLimitRule struct {
	PathPrefix string        `yaml:"pathPrefix" json:"pathPrefix" toml:"pathPrefix"`
	Rule       RateLimitRule `yaml:"rule" json:"rule" toml:"rule"`
}

// RateLimitRule is a token-bucket definition: steady rate plus burst capacity.
type RateLimitRule struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond" toml:"requestsPerSecond"`
	BurstSize         int     `yaml:"burstSize" json:"burstSize" toml:"burstSize"`
	Enabled           bool    `yaml:"enabled" json:"enabled" toml:"enabled"`
}

// AuthConfig selects and parameterises the authentication scheme.
type AuthConfig struct {
	JWT           JWTConfig    `yaml:"jwt" json:"jwt" toml:"jwt"`
	APIKey        APIKeyConfig `yaml:"apiKey" json:"apiKey" toml:"apiKey"`
	OAuth2        OAuth2Config `yaml:"oauth2" json:"oauth2" toml:"oauth2"`
	IPWhitelist   []string     `yaml:"ipWhitelist" json:"ipWhitelist" toml:"ipWhitelist"`
	PathWhitelist []string     `yaml:"pathWhitelist" json:"pathWhitelist" toml:"pathWhitelist"`
}

// JWTConfig configures HS256 bearer-token verification.
type JWTConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled" toml:"enabled"`
	Secret         string   `yaml:"secret" json:"secret" toml:"secret"`
	Issuer         string   `yaml:"issuer" json:"issuer" toml:"issuer"`
	ExpirySeconds  int64    `yaml:"expirySeconds" json:"expirySeconds" toml:"expirySeconds"`
	VerifyIssuer   bool     `yaml:"verifyIssuer" json:"verifyIssuer" toml:"verifyIssuer"`
	AllowedIssuers []string `yaml:"allowedIssuers" json:"allowedIssuers" toml:"allowedIssuers"`
	HeaderName     string   `yaml:"headerName" json:"headerName" toml:"headerName"`
	HeaderPrefix   string   `yaml:"headerPrefix" json:"headerPrefix" toml:"headerPrefix"`
}

// APIKeyConfig configures static API-key authentication.
type APIKeyConfig struct {
	Enabled    bool                  `yaml:"enabled" json:"enabled" toml:"enabled"`
	HeaderName string                `yaml:"headerName" json:"headerName" toml:"headerName"`
	APIKeys    map[string]APIKeyInfo `yaml:"apiKeys" json:"apiKeys" toml:"apiKeys"`
}

// APIKeyInfo is one entry in the static key table.
type APIKeyInfo struct {
	Name        string   `yaml:"name" json:"name" toml:"name"`
	UserID      int64    `yaml:"userId" json:"userId" toml:"userId"`
	Permissions []string `yaml:"permissions" json:"permissions" toml:"permissions"`
	Enabled     bool     `yaml:"enabled" json:"enabled" toml:"enabled"`
	ExpiresAt   string   `yaml:"expiresAt" json:"expiresAt" toml:"expiresAt"` // RFC 3339, empty = never
}

// OAuth2Config configures bearer-token verification against a userinfo endpoint.
type OAuth2Config struct {
	Enabled      bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	ClientID     string `yaml:"clientId" json:"clientId" toml:"clientId"`
	ClientSecret string `yaml:"clientSecret" json:"clientSecret" toml:"clientSecret"`
	TokenURL     string `yaml:"tokenUrl" json:"tokenUrl" toml:"tokenUrl"`
	UserinfoURL  string `yaml:"userinfoUrl" json:"userinfoUrl" toml:"userinfoUrl"`
}

// Userinfo returns the userinfo endpoint, derived from TokenURL when not
// configured explicitly.
func (o OAuth2Config) Userinfo() string {
	if o.UserinfoURL != "" {
		return o.UserinfoURL
	}
	return strings.TrimSuffix(o.TokenURL, "/") + "/userinfo"
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	EnableOpentelemetry bool    `yaml:"enableOpentelemetry" json:"enableOpentelemetry" toml:"enableOpentelemetry"`
	JaegerEndpoint      string  `yaml:"jaegerEndpoint" json:"jaegerEndpoint" toml:"jaegerEndpoint"`
	SamplingRatio       float64 `yaml:"samplingRatio" json:"samplingRatio" toml:"samplingRatio"`
}

// RetryConfig configures proxy retries.
type RetryConfig struct {
	MaxRetries      int   `yaml:"maxRetries" json:"maxRetries" toml:"maxRetries"`
	RetryIntervalMs int64 `yaml:"retryIntervalMs" json:"retryIntervalMs" toml:"retryIntervalMs"`
}

// Interval returns the spacing between retry attempts.
func (r RetryConfig) Interval() time.Duration {
	return time.Duration(r.RetryIntervalMs) * time.Millisecond
}

// BreakerConfig configures the per-upstream circuit breakers.
type BreakerConfig struct {
	Enabled             bool `yaml:"enabled" json:"enabled" toml:"enabled"`
	FailureThreshold    int  `yaml:"failureThreshold" json:"failureThreshold" toml:"failureThreshold"`
	HalfOpenTimeoutSecs int  `yaml:"halfOpenTimeoutSecs" json:"halfOpenTimeoutSecs" toml:"halfOpenTimeoutSecs"`
}

// HalfOpenTimeout returns the Open→HalfOpen reset duration.
func (b BreakerConfig) HalfOpenTimeout() time.Duration {
	return time.Duration(b.HalfOpenTimeoutSecs) * time.Second
}

// Default returns the built-in configuration, matching the defaults the
// fleet ships with. A config file overrides it wholesale.
func Default() *GatewayConfig {
	return &GatewayConfig{
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8000,
			RequestTimeoutSecs: 30,
			MaxBodyBytes:       10 * 1024 * 1024,
			LogLevel:           "info",
		},
		Routes: RoutesConfig{
			Routes: []RouteRule{
				{
					ID:          "auth-service",
					Name:        "auth service",
					PathPrefix:  "/api/auth",
					ServiceType: "auth",
					RequireAuth: false,
					PathRewrite: &PathRewrite{ReplacePrefix: "/"},
				},
				{
					ID:          "user-service",
					Name:        "user service",
					PathPrefix:  "/api/users",
					ServiceType: "user",
					RequireAuth: true,
				},
				{
					ID:          "friend-service",
					Name:        "friend service",
					PathPrefix:  "/api/friends",
					ServiceType: "friend",
					RequireAuth: true,
				},
				{
					ID:          "group-service",
					Name:        "group service",
					PathPrefix:  "/api/groups",
					ServiceType: "group",
					RequireAuth: true,
				},
				{
					ID:          "chat-service",
					Name:        "chat service",
					PathPrefix:  "/api/chat",
					ServiceType: "chat",
					RequireAuth: true,
				},
			},
		},
		RateLimit: RateLimitConfig{
			Global: RateLimitRule{RequestsPerSecond: 1000, BurstSize: 50, Enabled: true},
			PathRules: []PathRateLimitRule{
				{PathPrefix: "/api/auth/login", Rule: RateLimitRule{RequestsPerSecond: 5, BurstSize: 3, Enabled: true}},
				{PathPrefix: "/api/auth/register", Rule: RateLimitRule{RequestsPerSecond: 2, BurstSize: 5, Enabled: true}},
				{PathPrefix: "/api/users", Rule: RateLimitRule{RequestsPerSecond: 10, BurstSize: 20, Enabled: true}},
			},
			IPRules:     map[string]RateLimitRule{},
			APIKeyRules: map[string]RateLimitRule{},
			IPDefault:   RateLimitRule{RequestsPerSecond: 100, BurstSize: 50, Enabled: true},
		},
		Auth: AuthConfig{
			JWT: JWTConfig{
				Enabled:       true,
				Secret:        "change_this_to_a_secure_random_string",
				Issuer:        "api-gateway",
				ExpirySeconds: 86400,
				HeaderName:    "Authorization",
				HeaderPrefix:  "Bearer ",
			},
			APIKey: APIKeyConfig{
				HeaderName: "X-API-Key",
				APIKeys:    map[string]APIKeyInfo{},
			},
			IPWhitelist: []string{"127.0.0.1", "::1"},
			PathWhitelist: []string{
				"/api/health",
				"/api/auth/login",
				"/api/auth/register",
				"/metrics",
			},
		},
		ConsulURL:       "http://localhost:8500",
		RefreshSeconds:  30,
		MetricsEndpoint: "/metrics",
		Tracing: TracingConfig{
			SamplingRatio: 0.1,
		},
		Retry: RetryConfig{
			MaxRetries:      3,
			RetryIntervalMs: 200,
		},
		CircuitBreaker: BreakerConfig{
			Enabled:             true,
			FailureThreshold:    5,
			HalfOpenTimeoutSecs: 30,
		},
	}
}

// Validate checks cross-field consistency. Reload refuses configs that fail
// validation, keeping the previous snapshot live.
func (c *GatewayConfig) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	seen := make(map[string]bool, len(c.Routes.Routes))
	for i, r := range c.Routes.Routes {
		if r.ID == "" {
			return fmt.Errorf("routes[%d]: missing id", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("routes[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
		if !strings.HasPrefix(r.PathPrefix, "/") {
			return fmt.Errorf("route %q: pathPrefix %q must start with /", r.ID, r.PathPrefix)
		}
		if r.ServiceName() == "" {
			return fmt.Errorf("route %q: missing serviceType", r.ID)
		}
		if pr := r.PathRewrite; pr != nil {
			if (pr.RegexMatch == "") != (pr.RegexReplace == "") {
				return fmt.Errorf("route %q: regexMatch and regexReplace must be set together", r.ID)
			}
		}
	}
	if c.RateLimit.Global.Enabled && c.RateLimit.Global.RequestsPerSecond <= 0 {
		return fmt.Errorf("rateLimit.global.requestsPerSecond must be positive")
	}
	for _, pr := range c.RateLimit.PathRules {
		if pr.Rule.Enabled && pr.Rule.RequestsPerSecond <= 0 {
			return fmt.Errorf("rateLimit path rule %q: requestsPerSecond must be positive", pr.PathPrefix)
		}
	}
	if c.Auth.JWT.Enabled && c.Auth.JWT.Secret == "" {
		return fmt.Errorf("auth.jwt.secret is required when JWT auth is enabled")
	}
	if c.Auth.OAuth2.Enabled && c.Auth.OAuth2.Userinfo() == "/userinfo" {
		return fmt.Errorf("auth.oauth2 requires tokenUrl or userinfoUrl")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.FailureThreshold <= 0 {
			return fmt.Errorf("circuitBreaker.failureThreshold must be positive")
		}
		if c.CircuitBreaker.HalfOpenTimeoutSecs <= 0 {
			return fmt.Errorf("circuitBreaker.halfOpenTimeoutSecs must be positive")
		}
	}
	if c.RefreshSeconds <= 0 {
		return fmt.Errorf("serviceRefreshInterval must be positive")
	}
	return nil
}

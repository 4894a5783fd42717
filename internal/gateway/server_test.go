package gateway

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatmesh/gateway/internal/auth"
	"github.com/chatmesh/gateway/internal/config"
)

// fakeConsul maps every service name to one upstream address.
func fakeConsul(t *testing.T, upstreamURL string) *httptest.Server {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(upstreamURL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Consul-Index", "1")
		w.Header().Set("X-Consul-KnownLeader", "true")
		w.Header().Set("X-Consul-LastContact", "0")
		json.NewEncoder(w).Encode([]map[string]any{{
			"Node":    map[string]any{"Address": host},
			"Service": map[string]any{"Address": host, "Port": port},
		}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type env struct {
	server  *Server
	store   *config.Store
	handler http.Handler
	cfg     *config.GatewayConfig
}

func newEnv(t *testing.T, upstreamURL string, mutate func(*config.GatewayConfig)) *env {
	t.Helper()
	cfg := config.Default()
	cfg.ConsulURL = fakeConsul(t, upstreamURL).URL
	cfg.Auth.JWT.Secret = "test-secret"
	cfg.Auth.IPWhitelist = nil // exercise real auth from test clients
	cfg.Retry.RetryIntervalMs = 5
	if mutate != nil {
		mutate(cfg)
	}
	store := config.NewStore(cfg)
	srv, err := New(store)
	if err != nil {
		t.Fatal(err)
	}
	return &env{server: srv, store: store, handler: srv.Handler(), cfg: cfg}
}

func (e *env) token(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	if claims["exp"] == nil {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	tok, err := auth.NewJWTAuth(e.cfg.Auth.JWT).GenerateToken(claims)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *env) get(t *testing.T, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest("GET", path, nil)
	r.RemoteAddr = "203.0.113.50:7000"
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, r)
	return rec
}

// An authenticated request reaches the upstream with identity headers
// and the response comes back unchanged.
func TestHappyPathForwarding(t *testing.T) {
	var gotUserID, gotUsername, gotRoles string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = r.Header.Get("X-User-ID")
		gotUsername = r.Header.Get("X-Username")
		gotRoles = r.Header.Get("X-User-Roles")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"me":true}`))
	}))
	defer upstream.Close()

	e := newEnv(t, upstream.URL, nil)
	tok := e.token(t, map[string]interface{}{
		"sub": "42", "username": "alice", "roles": []string{"user"},
	})
	rec := e.get(t, "/api/users/me", tok)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gotUserID != "42" || gotUsername != "alice" || gotRoles != "user" {
		t.Errorf("identity headers = %q/%q/%q", gotUserID, gotUsername, gotRoles)
	}
	if rec.Body.String() != `{"me":true}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

// An expired token yields 401 with the expiry message and the
// upstream is never called.
func TestExpiredToken(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer upstream.Close()

	e := newEnv(t, upstream.URL, nil)
	tok := e.token(t, map[string]interface{}{
		"sub": "42", "exp": time.Now().Add(-time.Minute).Unix(),
	})
	rec := e.get(t, "/api/users/me", tok)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["message"] != "Token已过期" {
		t.Errorf("message = %v", body["message"])
	}
	if called {
		t.Error("expired token reached the upstream")
	}
}

// The login path bucket (5 rps, burst 3) denies the fourth rapid
// request with Retry-After: 1.
func TestLoginRateLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := newEnv(t, upstream.URL, nil)
	for i := 0; i < 3; i++ {
		if rec := e.get(t, "/api/auth/login", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, body = %s", i+1, rec.Code, rec.Body.String())
		}
	}
	rec := e.get(t, "/api/auth/login", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("fourth request status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
}

// Five consecutive upstream 500s open the breaker; the next request
// is rejected without touching the upstream.
func TestBreakerOpens(t *testing.T) {
	var calls int
	var mu sync.Mutex
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	e := newEnv(t, upstream.URL, nil)
	tok := e.token(t, map[string]interface{}{"sub": "1"})

	for i := 0; i < 5; i++ {
		if rec := e.get(t, "/api/users/me", tok); rec.Code != http.StatusInternalServerError {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}

	mu.Lock()
	before := calls
	mu.Unlock()

	rec := e.get(t, "/api/users/me", tok)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["service"] != "user-service" {
		t.Errorf("service = %v", body["service"])
	}
	if body["message"] != "服务暂时不可用，请稍后重试" {
		t.Errorf("message = %v", body["message"])
	}

	mu.Lock()
	after := calls
	mu.Unlock()
	if after != before {
		t.Error("rejected request still reached the upstream")
	}
}

// After the reset timeout a probe goes through; a 200 closes the
// breaker again.
func TestBreakerRecovers(t *testing.T) {
	var failing bool
	var mu sync.Mutex
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		f := failing
		mu.Unlock()
		if f {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := newEnv(t, upstream.URL, func(c *config.GatewayConfig) {
		c.CircuitBreaker.FailureThreshold = 2
		c.CircuitBreaker.HalfOpenTimeoutSecs = 1
	})
	tok := e.token(t, map[string]interface{}{"sub": "1"})

	mu.Lock()
	failing = true
	mu.Unlock()
	e.get(t, "/api/users/me", tok)
	e.get(t, "/api/users/me", tok)
	if rec := e.get(t, "/api/users/me", tok); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("breaker not open: status = %d", rec.Code)
	}

	mu.Lock()
	failing = false
	mu.Unlock()
	time.Sleep(1100 * time.Millisecond)

	if rec := e.get(t, "/api/users/me", tok); rec.Code != http.StatusOK {
		t.Fatalf("probe status = %d, want 200", rec.Code)
	}
	if rec := e.get(t, "/api/users/me", tok); rec.Code != http.StatusOK {
		t.Fatalf("post-recovery status = %d, want 200", rec.Code)
	}
}

// The /api/auth prefix rewrite delivers /ping?x=1 upstream.
func TestPathRewrite(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := newEnv(t, upstream.URL, nil)
	tok := e.token(t, map[string]interface{}{"sub": "1"})
	rec := e.get(t, "/api/auth/ping?x=1", tok)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gotPath != "/ping" || gotQuery != "x=1" {
		t.Errorf("upstream saw %s?%s, want /ping?x=1", gotPath, gotQuery)
	}
}

// Routes declared with requireAuth false admit anonymous requests on
// every path under their prefix, not just the whitelisted ones.
func TestRouteWithoutAuthAdmitsAnonymous(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := newEnv(t, upstream.URL, nil)

	// /api/auth/refresh is not on the path whitelist; the auth route
	// itself carries requireAuth false
	rec := e.get(t, "/api/auth/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gotPath != "/refresh" {
		t.Errorf("upstream path = %q, want /refresh", gotPath)
	}

	// routes with requireAuth true still demand credentials
	if rec := e.get(t, "/api/users/me", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated user route status = %d, want 401", rec.Code)
	}
}

func TestUnknownRoute404(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	e := newEnv(t, upstream.URL, func(c *config.GatewayConfig) {
		c.Auth.PathWhitelist = append(c.Auth.PathWhitelist, "/nowhere")
	})
	if rec := e.get(t, "/nowhere", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRequiredRoles(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := newEnv(t, upstream.URL, func(c *config.GatewayConfig) {
		for i := range c.Routes.Routes {
			if c.Routes.Routes[i].ID == "group-service" {
				c.Routes.Routes[i].RequiredRoles = []string{"moderator"}
			}
		}
	})

	plain := e.token(t, map[string]interface{}{"sub": "1", "roles": []string{"user"}})
	if rec := e.get(t, "/api/groups/1", plain); rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	mod := e.token(t, map[string]interface{}{"sub": "2", "roles": []string{"moderator"}})
	if rec := e.get(t, "/api/groups/1", mod); rec.Code != http.StatusOK {
		t.Fatalf("moderator status = %d, want 200", rec.Code)
	}

	admin := e.token(t, map[string]interface{}{"sub": "3", "roles": []string{"admin"}})
	if rec := e.get(t, "/api/groups/1", admin); rec.Code != http.StatusOK {
		t.Fatalf("admin bypass status = %d, want 200", rec.Code)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := newEnv(t, upstream.URL, nil)

	rec := e.get(t, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}

	// drive one request through the chain so the vectors have samples
	if rec := e.get(t, "/api/auth/login", ""); rec.Code != http.StatusOK {
		t.Fatalf("seed request status = %d", rec.Code)
	}

	rec = e.get(t, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
	if body, _ := io.ReadAll(rec.Body); !strings.Contains(string(body), "gateway_requests_total") {
		t.Error("metrics exposition missing gateway metrics")
	}
}

// A reload mid-flight never mixes the old and new snapshot within one
// request: each response reflects exactly one route table.
func TestSnapshotConsistencyUnderReload(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(r.URL.Path))
	}))
	defer upstream.Close()

	e := newEnv(t, upstream.URL, nil)
	tok := e.token(t, map[string]interface{}{"sub": "1"})

	altCfg := func() *config.GatewayConfig {
		cfg := config.Default()
		cfg.ConsulURL = e.cfg.ConsulURL
		cfg.Auth.JWT.Secret = e.cfg.Auth.JWT.Secret
		cfg.Auth.IPWhitelist = nil
		for i := range cfg.Routes.Routes {
			if cfg.Routes.Routes[i].ID == "user-service" {
				cfg.Routes.Routes[i].PathRewrite = &config.PathRewrite{ReplacePrefix: "/v2/users"}
			}
		}
		return cfg
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := e.store.Swap(altCfg()); err != nil {
				t.Error(err)
				return
			}
			base := config.Default()
			base.ConsulURL = e.cfg.ConsulURL
			base.Auth.JWT.Secret = e.cfg.Auth.JWT.Secret
			base.Auth.IPWhitelist = nil
			if err := e.store.Swap(base); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				rec := e.get(t, "/api/users/7", tok)
				if rec.Code != http.StatusOK {
					t.Errorf("status = %d", rec.Code)
					return
				}
				body := rec.Body.String()
				if body != "/api/users/7" && body != "/v2/users/7" {
					t.Errorf("mixed-snapshot path %q", body)
					return
				}
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
}

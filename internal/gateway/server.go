package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatmesh/gateway/internal/auth"
	"github.com/chatmesh/gateway/internal/circuitbreaker"
	"github.com/chatmesh/gateway/internal/config"
	"github.com/chatmesh/gateway/internal/discovery"
	"github.com/chatmesh/gateway/internal/errors"
	"github.com/chatmesh/gateway/internal/logging"
	"github.com/chatmesh/gateway/internal/metrics"
	"github.com/chatmesh/gateway/internal/middleware"
	"github.com/chatmesh/gateway/internal/proxy"
	"github.com/chatmesh/gateway/internal/ratelimit"
	"github.com/chatmesh/gateway/internal/reqctx"
	"github.com/chatmesh/gateway/internal/router"
	"github.com/chatmesh/gateway/internal/tracing"
)

const shutdownGrace = 30 * time.Second

// Server is the assembled gateway: config store, middleware chain and
// upstream plumbing.
type Server struct {
	store    *config.Store
	snapshot atomic.Pointer[router.Snapshot]

	authenticator *auth.Authenticator
	limiter       *ratelimit.Registry
	breakers      *circuitbreaker.Table
	resolver      *discovery.Cache
	metrics       *metrics.Metrics
	tracer        *tracing.Tracer
	proxy         *proxy.Proxy

	httpServer *http.Server
}

// New builds a server from the store's current configuration. Subsequent
// config swaps take effect per request through the pinned snapshot.
func New(store *config.Store) (*Server, error) {
	cfg := store.Current()

	snap, err := router.NewSnapshot(cfg)
	if err != nil {
		return nil, fmt.Errorf("compile routes: %w", err)
	}

	resolver, err := discovery.New(cfg.ConsulURL, time.Duration(cfg.RefreshSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("init discovery: %w", err)
	}

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	s := &Server{
		store:         store,
		authenticator: auth.NewAuthenticator(),
		limiter:       ratelimit.NewRegistry(),
		breakers: circuitbreaker.NewTable(
			cfg.CircuitBreaker.Enabled,
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.HalfOpenTimeout(),
		),
		resolver: resolver,
		metrics:  metrics.New(),
		tracer:   tracer,
	}
	s.proxy = proxy.New(resolver, s.breakers)
	s.snapshot.Store(snap)

	// recompile the route table whenever a reload lands; a config that
	// fails to compile keeps the previous snapshot
	store.OnSwap(func(next *config.GatewayConfig) {
		ns, err := router.NewSnapshot(next)
		if err != nil {
			logging.Error("route table rejected, keeping previous snapshot", zap.Error(err))
			return
		}
		s.snapshot.Store(ns)
		logging.Info("snapshot swapped", zap.Uint64("generation", store.Generation()))
	})

	return s, nil
}

// Snapshot returns the live snapshot.
func (s *Server) Snapshot() *router.Snapshot {
	return s.snapshot.Load()
}

// Handler assembles the full request-plane handler.
func (s *Server) Handler() http.Handler {
	chain := middleware.NewBuilder().
		Use(s.tracer.Middleware()).
		Use(metrics.Middleware(s.metrics)).
		Use(middleware.CORS()).
		Use(auth.Middleware(s.authenticator)).
		Use(ratelimit.Middleware(s.limiter, s.authenticator.APIKeyFrom)).
		Use(s.breakerGate()).
		Use(s.routeMatch()).
		Handler(s.proxy.Handler())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := s.snapshot.Load()

		ctx := reqctx.New(r)
		ctx.Snapshot = snap
		ctx.RequestID = r.Header.Get("X-Request-ID")
		if ctx.RequestID == "" {
			ctx.RequestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", ctx.RequestID)
		r = reqctx.Inject(r, ctx)

		switch {
		case r.URL.Path == "/health" || r.URL.Path == "/api/health":
			s.serveHealth(w, r)
		case r.URL.Path == snap.Config.MetricsEndpoint:
			s.metrics.Handler().ServeHTTP(w, r)
		default:
			chain.ServeHTTP(w, r)
		}
	})
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// breakerGate rejects requests for services whose breaker is open. The
// service is derived from a route-table probe; unmatched paths fall
// through to the 404 in routeMatch.
func (s *Server) breakerGate() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := reqctx.Get(r)
			route := ctx.Snapshot.Table.Match(r.URL.Path)
			if route != nil && !s.breakers.Allow(route.ServiceID) {
				errors.ErrCircuitOpen.WithService(route.ServiceID).WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// routeMatch resolves the route for the request, enforces per-route
// method and role restrictions, and records the route in the context.
func (s *Server) routeMatch() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := reqctx.Get(r)
			route := ctx.Snapshot.Table.Match(r.URL.Path)
			if route == nil {
				errors.ErrNotFound.WriteJSON(w)
				return
			}
			if !route.AllowsMethod(r.Method) {
				errors.ErrMethodNotAllowed.WriteJSON(w)
				return
			}
			if err := auth.Authorize(ctx.Principal, route.RequiredRoles); err != nil {
				if ge, ok := errors.IsGatewayError(err); ok {
					ge.WriteJSON(w)
				} else {
					errors.ErrForbidden.WriteJSON(w)
				}
				return
			}
			ctx.Route = route
			next.ServeHTTP(w, r)
		})
	}
}

// Run starts the listener and blocks until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Current()
	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.resolver.Start()

	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info("shutting down, draining requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)

	s.resolver.Stop()
	if terr := s.tracer.Close(); terr != nil && err == nil {
		err = terr
	}
	return err
}

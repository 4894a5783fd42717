package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/chatmesh/gateway/internal/circuitbreaker"
	"github.com/chatmesh/gateway/internal/discovery"
	"github.com/chatmesh/gateway/internal/errors"
	"github.com/chatmesh/gateway/internal/logging"
	"github.com/chatmesh/gateway/internal/reqctx"
	"github.com/chatmesh/gateway/internal/tracing"
)

// hopHeaders are stripped in both directions per RFC 9110.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodPatch:   true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// idempotent methods may be retried without an explicit idempotency key.
var idempotent = map[string]bool{
	http.MethodGet:     true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// Proxy forwards matched requests to resolved upstream instances.
type Proxy struct {
	resolver *discovery.Cache
	breakers *circuitbreaker.Table
	client   *http.Client
}

// New creates a proxy over the discovery cache and breaker table.
func New(resolver *discovery.Cache, breakers *circuitbreaker.Table) *Proxy {
	return &Proxy{
		resolver: resolver,
		breakers: breakers,
		client: &http.Client{
			// redirects pass through to the client untouched
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Handler serves the terminal stage of the chain: the route and snapshot
// are already pinned in the request context.
func (p *Proxy) Handler() http.Handler {
	return http.HandlerFunc(p.serve)
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request) {
	ctx := reqctx.Get(r)
	route := ctx.Route
	cfg := ctx.Snapshot.Config

	if route.GRPC {
		// opaque gRPC forwarding needs an HTTP/2 data plane this request
		// plane does not carry
		errors.ErrNotImplemented.WriteJSON(w)
		return
	}

	if !allowedMethods[r.Method] {
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}

	// buffer the body so retries can re-send it
	body, err := readBody(r, cfg.Server.MaxBodyBytes)
	if err != nil {
		if ge, ok := errors.IsGatewayError(err); ok {
			ge.WriteJSON(w)
		} else {
			errors.ErrInternalServer.WriteJSON(w)
		}
		return
	}

	upstreamPath := route.RewritePath(r.URL.Path)
	if r.URL.RawQuery != "" {
		upstreamPath += "?" + r.URL.RawQuery
	}

	reqCtx := r.Context()
	if timeout := cfg.Server.RequestTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, timeout)
		defer cancel()
	}

	resp, err := p.forward(reqCtx, r, route.ServiceID, upstreamPath, body)
	if err != nil {
		p.writeError(w, route.ServiceID, err)
		return
	}
	defer resp.Body.Close()

	ctx.UpstreamStatus = resp.StatusCode
	copyResponse(w, resp)
}

// forward runs the retry loop. Each attempt resolves a fresh instance and
// reports its outcome to the breaker.
func (p *Proxy) forward(ctx context.Context, r *http.Request, serviceID, upstreamPath string, body []byte) (*http.Response, error) {
	cfg := reqctx.Get(r).Snapshot.Config

	attempts := uint64(0)
	if p.retryAllowed(r, cfg.Retry.MaxRetries) {
		attempts = uint64(cfg.Retry.MaxRetries)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.Retry.Interval()), attempts),
		ctx,
	)

	var resp *http.Response
	op := func() error {
		instance, err := p.resolver.Resolve(ctx, serviceID)
		if err != nil {
			return backoff.Permanent(err)
		}
		reqctx.Get(r).UpstreamAddr = instance

		req, err := p.buildRequest(ctx, r, instance+upstreamPath, body)
		if err != nil {
			return backoff.Permanent(err)
		}

		res, err := p.client.Do(req)
		if err != nil {
			p.breakers.RecordFailure(serviceID)
			if ctx.Err() != nil {
				return backoff.Permanent(errors.ErrGatewayTimeout)
			}
			logging.Warn("upstream attempt failed",
				zap.String("service", serviceID),
				zap.String("instance", instance),
				zap.Error(err))
			return err // transport error, retryable
		}

		if res.StatusCode >= 500 {
			p.breakers.RecordFailure(serviceID)
		} else {
			p.breakers.RecordSuccess(serviceID)
		}
		resp = res
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		var perm *backoff.PermanentError
		if stderrors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return resp, nil
}

// retryAllowed gates retries to idempotent methods, or any method carrying
// an explicit idempotency key.
func (p *Proxy) retryAllowed(r *http.Request, maxRetries int) bool {
	if maxRetries <= 0 {
		return false
	}
	if idempotent[r.Method] {
		return true
	}
	return r.Header.Get("X-Idempotency-Key") != ""
}

// buildRequest constructs one upstream attempt.
func (p *Proxy) buildRequest(ctx context.Context, r *http.Request, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	for key, values := range r.Header {
		if key == "Host" || key == "Content-Length" || isHopHeader(key) {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	rc := reqctx.Get(r)
	if p := rc.Principal; p != nil {
		req.Header.Set("X-User-ID", strconv.FormatInt(p.UserID, 10))
		req.Header.Set("X-Username", p.Username)
		if len(p.Roles) > 0 {
			req.Header.Set("X-User-Roles", strings.Join(p.Roles, ","))
		}
	}
	req.Header.Set("X-Original-Path", r.URL.Path)
	req.Header.Set("X-Original-Method", r.Method)
	req.Header.Set("X-Forwarded-For", appendForwardedFor(r))
	req.Header.Set("X-Real-IP", rc.ClientIP)
	if rc.RequestID != "" {
		req.Header.Set("X-Request-ID", rc.RequestID)
	}

	tracing.InjectHeaders(r, req)
	if traceID, spanID := tracing.SpanIDs(r); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
		req.Header.Set("X-Span-ID", spanID)
	}

	for name, value := range rc.Route.HeaderRewrites {
		req.Header.Set(name, value)
	}
	return req, nil
}

func (p *Proxy) writeError(w http.ResponseWriter, serviceID string, err error) {
	var noInst *discovery.ErrNoInstances
	switch {
	case stderrors.As(err, &noInst):
		errors.ErrServiceUnavailable.WithService(serviceID).WriteJSON(w)
	case err == errors.ErrGatewayTimeout || stderrors.Is(err, context.DeadlineExceeded):
		errors.ErrGatewayTimeout.WriteJSON(w)
	default:
		if ge, ok := errors.IsGatewayError(err); ok {
			ge.WriteJSON(w)
			return
		}
		errors.ErrBadGateway.WriteJSON(w)
	}
}

func readBody(r *http.Request, maxBytes int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	if maxBytes <= 0 {
		return io.ReadAll(r.Body)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, errors.ErrRequestEntityTooLarge
	}
	return body, nil
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logging.Debug("response copy interrupted", zap.Error(err))
	}
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func appendForwardedFor(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		return prior + ", " + peer
	}
	return peer
}

package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError represents an error that can be returned to clients.
// The wire body is {"error": <status>, "message": <string>}, optionally
// carrying retry_after (429) or service (breaker 503).
type GatewayError struct {
	Code       int    `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after,omitempty"`
	Service    string `json:"service,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no extra fields), uses pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", e.RetryAfter))
	}
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors. Auth, rate-limit and breaker messages are the strings the
// backend services expect verbatim.
var (
	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "未授权访问",
	}

	ErrTokenExpired = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "Token已过期",
	}

	ErrInvalidToken = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "Token无效",
	}

	ErrInvalidIssuer = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "签发者无效",
	}

	ErrInvalidAPIKey = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "API Key无效",
	}

	ErrAPIKeyExpired = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "API Key已过期",
	}

	ErrForbidden = &GatewayError{
		Code:    http.StatusForbidden,
		Message: "没有足够的权限",
	}

	ErrTooManyRequests = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Message: "请求过于频繁，请稍后重试",
	}

	ErrCircuitOpen = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Message: "服务暂时不可用，请稍后重试",
	}

	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &GatewayError{
		Code:    http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrRequestEntityTooLarge = &GatewayError{
		Code:    http.StatusRequestEntityTooLarge,
		Message: "Request Entity Too Large",
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrServiceUnavailable = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}

	ErrGatewayTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}

	ErrNotImplemented = &GatewayError{
		Code:    http.StatusNotImplemented,
		Message: "Not Implemented",
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrUnauthorized, ErrTokenExpired, ErrInvalidToken, ErrInvalidIssuer,
		ErrInvalidAPIKey, ErrAPIKeyExpired, ErrForbidden, ErrTooManyRequests,
		ErrCircuitOpen, ErrNotFound, ErrMethodNotAllowed,
		ErrRequestEntityTooLarge, ErrBadGateway, ErrServiceUnavailable,
		ErrGatewayTimeout, ErrNotImplemented, ErrInternalServer,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(code int, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a client-visible message.
func Wrap(err error, code int, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithRetryAfter returns a copy carrying a retry hint in seconds.
func (e *GatewayError) WithRetryAfter(seconds int64) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		RetryAfter: seconds,
		Service:    e.Service,
		underlying: e.underlying,
	}
}

// WithService returns a copy naming the affected upstream.
func (e *GatewayError) WithService(service string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		RetryAfter: e.RetryAfter,
		Service:    service,
		underlying: e.underlying,
	}
}

// IsGatewayError checks if an error is a GatewayError.
func IsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}

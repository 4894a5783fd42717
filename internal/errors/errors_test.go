package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONBase(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrTooManyRequests.WriteJSON(rec)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["error"] != float64(429) {
		t.Errorf("error field = %v, want 429", body["error"])
	}
	if body["message"] != "请求过于频繁，请稍后重试" {
		t.Errorf("message = %v", body["message"])
	}
	if _, ok := body["retry_after"]; ok {
		t.Error("base error should not carry retry_after")
	}
}

func TestWithRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrTooManyRequests.WithRetryAfter(3).WriteJSON(rec)

	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Errorf("Retry-After = %q, want 3", got)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["retry_after"] != float64(3) {
		t.Errorf("retry_after = %v, want 3", body["retry_after"])
	}
	// the shared singleton stays untouched
	if ErrTooManyRequests.RetryAfter != 0 {
		t.Error("singleton mutated by WithRetryAfter")
	}
}

func TestWithService(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrCircuitOpen.WithService("user-service").WriteJSON(rec)

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
}

func TestWrapUnwrap(t *testing.T) {
	inner := New(http.StatusBadGateway, "boom")
	wrapped := Wrap(inner, http.StatusBadGateway, "upstream failed")
	if wrapped.Unwrap() != inner {
		t.Error("Unwrap did not return the inner error")
	}
	if wrapped.Error() != "upstream failed: boom" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
	if ge, ok := IsGatewayError(error(wrapped)); !ok || ge != wrapped {
		t.Error("IsGatewayError failed on a GatewayError")
	}
}

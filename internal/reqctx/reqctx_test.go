package reqctx

import (
	"net/http/httptest"
	"testing"
)

func TestExtractClientIP(t *testing.T) {
	cases := []struct {
		name       string
		xff        string
		realIP     string
		remoteAddr string
		want       string
	}{
		{"xff single", "203.0.113.7", "", "10.0.0.1:1234", "203.0.113.7"},
		{"xff chain takes first", "203.0.113.7, 10.0.0.2, 10.0.0.3", "", "10.0.0.1:1234", "203.0.113.7"},
		{"xff with spaces", "  203.0.113.7 , 10.0.0.2", "", "10.0.0.1:1234", "203.0.113.7"},
		{"real-ip fallback", "", "198.51.100.4", "10.0.0.1:1234", "198.51.100.4"},
		{"peer fallback", "", "", "192.0.2.9:5555", "192.0.2.9"},
		{"peer without port", "", "", "192.0.2.9", "192.0.2.9"},
		{"xff wins over real-ip", "203.0.113.7", "198.51.100.4", "10.0.0.1:1234", "203.0.113.7"},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = tc.remoteAddr
		if tc.xff != "" {
			r.Header.Set("X-Forwarded-For", tc.xff)
		}
		if tc.realIP != "" {
			r.Header.Set("X-Real-IP", tc.realIP)
		}
		if got := ExtractClientIP(r); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestInjectGet(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/users", nil)
	if Get(r) != nil {
		t.Fatal("Get on a bare request should return nil")
	}

	c := New(r)
	r = Inject(r, c)
	if Get(r) != c {
		t.Fatal("Get did not return the injected context")
	}
}

func TestHasRole(t *testing.T) {
	p := &Principal{Roles: []string{"User", "moderator"}}
	if !p.HasRole("user") || !p.HasRole("MODERATOR") {
		t.Error("case-insensitive match failed")
	}
	if p.HasRole("admin") {
		t.Error("absent role matched")
	}
}

package realip

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func request(remote, xff, xri string) *http.Request {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = remote
	if xff != "" {
		r.Header.Set("X-Forwarded-For", xff)
	}
	if xri != "" {
		r.Header.Set("X-Real-IP", xri)
	}
	return r
}

func TestExtract(t *testing.T) {
	rv, err := New([]string{"10.0.0.0/8", "192.168.1.1"})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name     string
		remote   string
		xff, xri string
		want     string
	}{
		{"no headers", "203.0.113.9:4000", "", "", "203.0.113.9"},
		{"untrusted remote ignores xff", "203.0.113.9:4000", "1.2.3.4", "", "203.0.113.9"},
		{"trusted remote single hop", "10.0.0.1:80", "1.2.3.4", "", "1.2.3.4"},
		{"skips trusted hops", "10.0.0.1:80", "1.2.3.4, 5.6.7.8, 10.0.0.2", "", "5.6.7.8"},
		{"bare ip trusted", "192.168.1.1:80", "1.2.3.4", "", "1.2.3.4"},
		{"all trusted returns leftmost", "10.0.0.1:80", "10.1.1.1, 10.2.2.2", "", "10.1.1.1"},
		{"garbage hop stops walk", "10.0.0.1:80", "1.2.3.4, junk", "", "10.0.0.1"},
		{"real ip fallback", "10.0.0.1:80", "", "1.2.3.4", "1.2.3.4"},
		{"invalid real ip", "10.0.0.1:80", "", "nope", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rv.Extract(request(tt.remote, tt.xff, tt.xri)); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtractJoinsRepeatedForwardedFor(t *testing.T) {
	rv, err := New([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	r := request("10.0.0.1:80", "", "")
	// the client sent the first line, the proxy appended its own
	r.Header.Add("X-Forwarded-For", "6.6.6.6")
	r.Header.Add("X-Forwarded-For", "1.2.3.4, 10.0.0.7")

	if got := rv.Extract(r); got != "1.2.3.4" {
		t.Errorf("got %s, want 1.2.3.4", got)
	}
}

func TestNoTrustedProxies(t *testing.T) {
	rv, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := rv.Extract(request("203.0.113.9:1", "1.2.3.4", "5.6.7.8")); got != "203.0.113.9" {
		t.Errorf("headers must be ignored without trusted proxies, got %s", got)
	}
}

func TestNewInvalid(t *testing.T) {
	for _, in := range []string{"not-an-ip", "10.0.0.0/99"} {
		if _, err := New([]string{in}); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestMiddlewareStoresIP(t *testing.T) {
	rv, _ := New([]string{"10.0.0.0/8"})
	var got string
	h := rv.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), request("10.0.0.1:80", "1.2.3.4", ""))

	if got != "1.2.3.4" {
		t.Errorf("expected 1.2.3.4 in context, got %q", got)
	}
	if s := rv.Stats(); s.Total != 1 || s.Forwarded != 1 || s.TrustedCIDRs != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

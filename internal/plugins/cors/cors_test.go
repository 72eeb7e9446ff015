package cors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/wudi/annon/internal/pipeline"
)

func compile(t *testing.T, settings string) any {
	t.Helper()
	pol, err := New().Compile(json.RawMessage(settings))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return pol
}

func TestPreflight(t *testing.T) {
	pol := compile(t, `{"allow_origins":["https://app.example.com"],"allow_methods":["GET","POST"],"allow_credentials":true,"max_age":600}`)

	r := httptest.NewRequest(http.MethodOptions, "/orders", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", "POST")
	c := pipeline.NewContext(r, nil)

	if err := New().Handle(c, pol); err != nil {
		t.Fatal(err)
	}
	if !c.Halted() || c.Response.Status != http.StatusNoContent {
		t.Fatalf("expected 204 halt, got %+v", c.Response)
	}
	h := c.Response.Header
	if h.Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Errorf("unexpected allow origin %q", h.Get("Access-Control-Allow-Origin"))
	}
	if h.Get("Access-Control-Allow-Methods") != "GET, POST" {
		t.Errorf("unexpected allow methods %q", h.Get("Access-Control-Allow-Methods"))
	}
	if h.Get("Access-Control-Allow-Credentials") != "true" || h.Get("Access-Control-Max-Age") != "600" {
		t.Errorf("unexpected headers %v", h)
	}
}

func TestPreflightDisallowedOrigin(t *testing.T) {
	pol := compile(t, `{"allow_origins":["https://app.example.com"]}`)
	r := httptest.NewRequest(http.MethodOptions, "/", nil)
	r.Header.Set("Origin", "https://evil.example.org")
	r.Header.Set("Access-Control-Request-Method", "GET")
	c := pipeline.NewContext(r, nil)
	New().Handle(c, pol)
	if c.Response.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin must not be echoed")
	}
}

func TestActualResponseDecorated(t *testing.T) {
	tests := []struct {
		name     string
		settings string
		origin   string
		want     string
	}{
		{"any origin", `{}`, "https://a.example.com", "*"},
		{"wildcard subdomain", `{"allow_origins":["*.example.com"]}`, "https://a.example.com", "https://a.example.com"},
		{"pattern", `{"allow_origin_patterns":["^https://.*\\.test$"]}`, "https://x.test", "https://x.test"},
		{"not allowed", `{"allow_origins":["https://b.example.com"]}`, "https://a.example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("Origin", tt.origin)
			c := pipeline.NewContext(r, nil)

			// the hook must run even when a later stage produced the response
			stages := []pipeline.Stage{
				{Plugin: New(), Settings: compile(t, tt.settings)},
				{Plugin: respond{}},
			}
			pipeline.NewExecutor(zap.NewNop()).Execute(c, stages)

			if got := c.Response.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("allow origin = %q, want %q", got, tt.want)
			}
		})
	}
}

type respond struct{ pipeline.Named }

func (respond) Compile(json.RawMessage) (any, error) { return nil, nil }

func (respond) Handle(c *pipeline.Context, _ any) error {
	c.Halt(&pipeline.Response{Status: http.StatusOK, Body: []byte("ok")})
	return nil
}

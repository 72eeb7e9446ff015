package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/wudi/annon/internal/pipeline"
)

const secret = "test-secret-key"

func sign(t *testing.T, key any, method jwt.SigningMethod, claims jwt.MapClaims, kid string) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func run(t *testing.T, p *Plugin, settings, authorization string) *pipeline.Context {
	t.Helper()
	v, err := p.Compile(json.RawMessage(settings))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	r := httptest.NewRequest("GET", "/", nil)
	if authorization != "" {
		r.Header.Set("Authorization", authorization)
	}
	c := pipeline.NewContext(r, nil)
	if err := p.Handle(c, v); err != nil {
		t.Fatalf("Handle returned error %v", err)
	}
	return c
}

func TestJWTRejects(t *testing.T) {
	settings := `{"secret":"` + secret + `"}`
	valid := jwt.MapClaims{"sub": "user-123", "exp": time.Now().Add(time.Hour).Unix()}

	tests := []struct {
		name  string
		authz string
	}{
		{"missing", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage", "Bearer not.a.token"},
		{"wrong secret", "Bearer " + sign(t, []byte("other-secret"), jwt.SigningMethodHS256, valid, "")},
		{"expired", "Bearer " + sign(t, []byte(secret), jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "user-123", "exp": time.Now().Add(-time.Hour).Unix(),
		}, "")},
		{"wrong algorithm", "Bearer " + sign(t, []byte(secret), jwt.SigningMethodHS512, valid, "")},
	}

	p := New()
	defer p.Close()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := run(t, p, settings, tt.authz)
			if !c.Halted() || c.Response.Status != http.StatusUnauthorized {
				t.Fatalf("expected 401 halt, got halted=%v resp=%+v", c.Halted(), c.Response)
			}
			if c.Response.Header.Get("WWW-Authenticate") == "" {
				t.Error("expected WWW-Authenticate header")
			}
			if c.Annotations.ConsumerID != "" {
				t.Error("consumer annotated on rejected request")
			}
		})
	}
}

func TestJWTValidAnnotates(t *testing.T) {
	p := New()
	defer p.Close()

	token := sign(t, []byte(secret), jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "user-123",
		"scope": "orders:read",
		"iss":   "issuer",
		"aud":   "shop",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}, "")
	c := run(t, p, `{"secret":"`+secret+`","issuer":"issuer","audience":["shop"]}`, "Bearer "+token)

	if c.Halted() {
		t.Fatalf("unexpected halt %s", c.Response.Body)
	}
	if c.Annotations.ConsumerID != "user-123" {
		t.Errorf("expected consumer user-123, got %q", c.Annotations.ConsumerID)
	}
	if c.Annotations.Claims["scope"] != "orders:read" {
		t.Errorf("claims not annotated: %v", c.Annotations.Claims)
	}
	if got := c.Annotations.Promoted().Get(ConsumerHeader); got != "user-123" {
		t.Errorf("expected promoted consumer header, got %q", got)
	}
}

func TestJWTAudienceAndIssuer(t *testing.T) {
	p := New()
	defer p.Close()
	token := sign(t, []byte(secret), jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u", "iss": "other", "aud": "other"}, "")

	c := run(t, p, `{"secret":"`+secret+`","issuer":"issuer"}`, "Bearer "+token)
	if c.Response == nil || c.Response.Status != http.StatusUnauthorized {
		t.Error("expected issuer mismatch to be rejected")
	}
	c = run(t, p, `{"secret":"`+secret+`","audience":["shop"]}`, "Bearer "+token)
	if c.Response == nil || c.Response.Status != http.StatusUnauthorized {
		t.Error("expected audience mismatch to be rejected")
	}
}

func TestJWTBase64Secret(t *testing.T) {
	p := New()
	defer p.Close()
	// "c2VjcmV0" is "secret"
	token := sign(t, []byte("secret"), jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u"}, "")
	c := run(t, p, `{"secret":"base64:c2VjcmV0"}`, "Bearer "+token)
	if c.Halted() {
		t.Fatalf("unexpected halt %s", c.Response.Body)
	}
}

func TestJWTPublicKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	settings, _ := json.Marshal(map[string]string{"algorithm": "RS256", "public_key": pemKey})

	p := New()
	defer p.Close()
	token := sign(t, priv, jwt.SigningMethodRS256, jwt.MapClaims{"sub": "rsa-user"}, "")
	c := run(t, p, string(settings), "Bearer "+token)
	if c.Annotations.ConsumerID != "rsa-user" {
		t.Fatalf("expected rsa-user, got halted=%v", c.Halted())
	}
}

func TestJWTJWKS(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	key, err := jwk.FromRaw(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	key.Set(jwk.KeyIDKey, "k1")
	key.Set(jwk.AlgorithmKey, "RS256")
	set := jwk.NewSet()
	set.AddKey(key)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	p := New()
	defer p.Close()
	settings := `{"algorithm":"RS256","jwks_url":"` + srv.URL + `"}`

	c := run(t, p, settings, "Bearer "+sign(t, priv, jwt.SigningMethodRS256, jwt.MapClaims{"sub": "jwks-user"}, "k1"))
	if c.Annotations.ConsumerID != "jwks-user" {
		t.Fatalf("expected jwks-user, got halted=%v", c.Halted())
	}

	c = run(t, p, settings, "Bearer "+sign(t, priv, jwt.SigningMethodRS256, jwt.MapClaims{"sub": "x"}, "unknown"))
	if c.Response == nil || c.Response.Status != http.StatusUnauthorized {
		t.Error("expected unknown kid to be rejected")
	}
}

func TestParseErrors(t *testing.T) {
	for _, s := range []string{
		`{}`,
		`{"algorithm":"none","secret":"x"}`,
		`{"algorithm":"RS256"}`,
		`{"algorithm":"RS256","public_key":"not pem"}`,
		`{"secret":"base64:***"}`,
	} {
		if _, err := Parse(json.RawMessage(s)); err == nil {
			t.Errorf("expected error for %s", s)
		}
	}
}

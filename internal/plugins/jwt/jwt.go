// Package jwt authenticates requests carrying a bearer JSON Web Token.
package jwt

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
)

// ConsumerHeader carries the authenticated consumer id to the upstream.
const ConsumerHeader = "X-Consumer-ID"

// Settings configures token verification. Secret may be prefixed with
// "base64:" to hold binary keys.
type Settings struct {
	Secret        string         `json:"secret,omitempty"`
	Algorithm     string         `json:"algorithm,omitempty"`
	PublicKey     string         `json:"public_key,omitempty"`
	JWKSURL       string         `json:"jwks_url,omitempty"`
	Issuer        string         `json:"issuer,omitempty"`
	Audience      []string       `json:"audience,omitempty"`
	Leeway        model.Duration `json:"leeway,omitempty"`
	ConsumerClaim string         `json:"consumer_claim,omitempty"`
	Header        string         `json:"header,omitempty"`
}

// Verifier is the compiled form of Settings.
type Verifier struct {
	algorithm     string
	secret        []byte
	publicKey     any
	jwksURL       string
	issuer        string
	audience      []string
	leeway        time.Duration
	consumerClaim string
	header        string
}

// Parse validates settings and decodes key material.
func Parse(raw json.RawMessage) (*Verifier, error) {
	var s Settings
	if err := pipeline.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	v := &Verifier{
		algorithm:     s.Algorithm,
		jwksURL:       s.JWKSURL,
		issuer:        s.Issuer,
		audience:      s.Audience,
		leeway:        s.Leeway.D(),
		consumerClaim: s.ConsumerClaim,
		header:        s.Header,
	}
	if v.algorithm == "" {
		v.algorithm = "HS256"
	}
	if v.consumerClaim == "" {
		v.consumerClaim = "sub"
	}
	if v.header == "" {
		v.header = "Authorization"
	}
	if jwt.GetSigningMethod(v.algorithm) == nil {
		return nil, fmt.Errorf("unsupported algorithm %q", v.algorithm)
	}

	switch {
	case strings.HasPrefix(v.algorithm, "HS"):
		if s.Secret == "" {
			return nil, fmt.Errorf("secret is required for %s", v.algorithm)
		}
		if enc, ok := strings.CutPrefix(s.Secret, "base64:"); ok {
			b, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return nil, fmt.Errorf("secret: %w", err)
			}
			v.secret = b
		} else {
			v.secret = []byte(s.Secret)
		}
	case s.JWKSURL != "":
		// keys resolved on first use
	case s.PublicKey == "":
		return nil, fmt.Errorf("public_key or jwks_url is required for %s", v.algorithm)
	case strings.HasPrefix(v.algorithm, "RS"), strings.HasPrefix(v.algorithm, "PS"):
		k, err := jwt.ParseRSAPublicKeyFromPEM([]byte(s.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("public_key: %w", err)
		}
		v.publicKey = k
	case strings.HasPrefix(v.algorithm, "ES"):
		k, err := jwt.ParseECPublicKeyFromPEM([]byte(s.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("public_key: %w", err)
		}
		v.publicKey = k
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", v.algorithm)
	}
	return v, nil
}

// Plugin implements pipeline.Plugin
type Plugin struct {
	pipeline.Named

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jwks map[string]*jwk.Cache
}

// New creates the plugin. Close stops JWKS refreshes.
func New() *Plugin {
	ctx, cancel := context.WithCancel(context.Background())
	return &Plugin{
		Named:  pipeline.Named(model.PluginJWT),
		ctx:    ctx,
		cancel: cancel,
		jwks:   make(map[string]*jwk.Cache),
	}
}

// Compile parses the settings
func (p *Plugin) Compile(raw json.RawMessage) (any, error) {
	return Parse(raw)
}

// Handle verifies the token and annotates the claims and consumer id.
func (p *Plugin) Handle(c *pipeline.Context, settings any) error {
	v := settings.(*Verifier)

	token := bearer(c.Request.Header.Get(v.header))
	if token == "" {
		p.reject(c, "bearer token is missing")
		return nil
	}

	claims := jwt.MapClaims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{v.algorithm}), jwt.WithLeeway(v.leeway)}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if _, err := jwt.ParseWithClaims(token, claims, p.keyFunc(c.Context(), v), opts...); err != nil {
		p.reject(c, "invalid token: "+err.Error())
		return nil
	}
	if len(v.audience) > 0 {
		aud, _ := claims.GetAudience()
		if !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(v.audience, a) }) {
			p.reject(c, "invalid token audience")
			return nil
		}
	}

	c.Annotations.Claims = map[string]any(claims)
	if id, ok := claims[v.consumerClaim].(string); ok && id != "" {
		c.Annotations.ConsumerID = id
		c.Annotations.Promote(ConsumerHeader, id)
	}
	return nil
}

func (p *Plugin) reject(c *pipeline.Context, details string) {
	c.Fail(errors.ErrUnauthorized.WithDetails(details))
	c.Response.Header.Set("WWW-Authenticate", `Bearer realm="api"`)
}

func bearer(h string) string {
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (p *Plugin) keyFunc(ctx context.Context, v *Verifier) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if v.secret != nil {
			return v.secret, nil
		}
		if v.publicKey != nil {
			return v.publicKey, nil
		}
		return p.jwksKey(ctx, v.jwksURL, t)
	}
}

func (p *Plugin) jwksKey(ctx context.Context, url string, t *jwt.Token) (any, error) {
	cache, err := p.cache(url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	set, err := cache.Get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	var key jwk.Key
	if kid, _ := t.Header["kid"].(string); kid != "" {
		k, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("key %q not found in JWKS", kid)
		}
		key = k
	} else if set.Len() > 0 {
		key, _ = set.Key(0)
	} else {
		return nil, fmt.Errorf("no kid in token header and no keys in JWKS")
	}

	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("failed to extract raw key: %w", err)
	}
	switch raw.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, []byte:
		return raw, nil
	}
	return nil, fmt.Errorf("unsupported JWKS key type %T", raw)
}

func (p *Plugin) cache(url string) (*jwk.Cache, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.jwks[url]; ok {
		return c, nil
	}
	c := jwk.NewCache(p.ctx)
	if err := c.Register(url, jwk.WithMinRefreshInterval(time.Hour)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	p.jwks[url] = c
	return c, nil
}

// Close stops background JWKS refreshes.
func (p *Plugin) Close() error {
	p.cancel()
	return nil
}

// Package scopes resolves the scopes granted to the consumer, either from a
// token claim or from an external lookup service.
package scopes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
)

// ScopeHeader carries the granted scopes to the upstream, space separated.
const ScopeHeader = "X-Consumer-Scope"

const (
	StrategyJWT    = "jwt"
	StrategyLookup = "lookup"
)

// Lookup configures the external scope service. URL may contain
// {consumer_id}, which is replaced with the escaped consumer id.
type Lookup struct {
	URL      string         `json:"url"`
	Path     string         `json:"path,omitempty"`
	Timeout  model.Duration `json:"timeout,omitempty"`
	CacheTTL model.Duration `json:"cache_ttl,omitempty"`
}

// Settings configures the plugin.
type Settings struct {
	Strategy string   `json:"strategy,omitempty"`
	Claim    string   `json:"claim,omitempty"`
	Lookup   *Lookup  `json:"lookup,omitempty"`
	Required []string `json:"required,omitempty"`
}

// Compiled is the validated form of Settings.
type Compiled struct {
	strategy string
	claim    string
	lookup   Lookup
	required []string
}

// Parse validates raw settings.
func Parse(raw json.RawMessage) (*Compiled, error) {
	var s Settings
	if err := pipeline.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	c := &Compiled{strategy: s.Strategy, claim: s.Claim, required: s.Required}
	if c.strategy == "" {
		c.strategy = StrategyJWT
	}
	if c.claim == "" {
		c.claim = "scope"
	}
	switch c.strategy {
	case StrategyJWT:
	case StrategyLookup:
		if s.Lookup == nil || s.Lookup.URL == "" {
			return nil, fmt.Errorf("lookup.url is required for the lookup strategy")
		}
		if _, err := url.Parse(s.Lookup.URL); err != nil {
			return nil, fmt.Errorf("lookup.url: %w", err)
		}
		c.lookup = *s.Lookup
		if c.lookup.Path == "" {
			c.lookup.Path = "scopes"
		}
		if c.lookup.Timeout == 0 {
			c.lookup.Timeout = model.Duration(2 * time.Second)
		}
		if c.lookup.CacheTTL == 0 {
			c.lookup.CacheTTL = model.Duration(time.Minute)
		}
	default:
		return nil, fmt.Errorf("unknown strategy %q", c.strategy)
	}
	return c, nil
}

type cached struct {
	scopes  []string
	expires time.Time
}

// Plugin implements pipeline.Plugin
type Plugin struct {
	pipeline.Named

	client *http.Client
	logger *zap.Logger
	group  singleflight.Group
	cache  *expirable.LRU[string, cached]
}

// New creates the plugin. client is used for scope lookups.
func New(client *http.Client, logger *zap.Logger) *Plugin {
	if client == nil {
		client = http.DefaultClient
	}
	return &Plugin{
		Named:  pipeline.Named(model.PluginScopes),
		client: client,
		logger: logger,
		// entries carry their own ttl; the LRU bound is a ceiling
		cache: expirable.NewLRU[string, cached](10000, nil, time.Hour),
	}
}

// Compile parses the settings
func (p *Plugin) Compile(raw json.RawMessage) (any, error) {
	return Parse(raw)
}

// Handle annotates granted scopes and enforces the required ones.
func (p *Plugin) Handle(c *pipeline.Context, settings any) error {
	s := settings.(*Compiled)

	var granted []string
	switch s.strategy {
	case StrategyJWT:
		granted = fromClaims(c.Annotations.Claims, s.claim)
	case StrategyLookup:
		if c.Annotations.ConsumerID == "" {
			return errors.ErrUnauthorized.WithDetails("consumer is not identified")
		}
		var err error
		granted, err = p.lookup(c.Context(), s.lookup, c.Annotations.ConsumerID)
		if err != nil {
			c.Logger.Warn("scope lookup failed",
				zap.String("consumer_id", c.Annotations.ConsumerID), zap.Error(err))
			return errors.ErrBadGateway.WithDetails("scope lookup failed").WithCause(err)
		}
	}

	c.Annotations.Scopes = granted
	if len(granted) > 0 {
		c.Annotations.Promote(ScopeHeader, strings.Join(granted, " "))
	}

	var missing []string
	for _, r := range s.required {
		if !slices.Contains(granted, r) {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return errors.ErrForbidden.WithDetails("missing scopes: " + strings.Join(missing, " "))
	}
	return nil
}

// fromClaims reads a space separated string or an array of strings at the
// gjson path claim.
func fromClaims(claims map[string]any, claim string) []string {
	if len(claims) == 0 {
		return nil
	}
	b, err := json.Marshal(claims)
	if err != nil {
		return nil
	}
	return scopeList(gjson.GetBytes(b, claim))
}

func scopeList(v gjson.Result) []string {
	var out []string
	switch {
	case v.IsArray():
		for _, s := range v.Array() {
			if s.String() != "" {
				out = append(out, s.String())
			}
		}
	case v.Type == gjson.String:
		out = strings.Fields(v.String())
	}
	return out
}

func (p *Plugin) lookup(ctx context.Context, l Lookup, consumerID string) ([]string, error) {
	target := strings.ReplaceAll(l.URL, "{consumer_id}", url.PathEscape(consumerID))
	key := target + "|" + l.Path
	if e, ok := p.cache.Get(key); ok && time.Now().Before(e.expires) {
		return e.scopes, nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		// not tied to a single caller
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.Timeout.D())
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		var scopes []string
		switch {
		case resp.StatusCode == http.StatusNotFound:
			// unknown consumer: no scopes
		case resp.StatusCode >= 300:
			return nil, fmt.Errorf("scope service returned %d", resp.StatusCode)
		default:
			scopes = scopeList(gjson.GetBytes(body, l.Path))
		}
		p.cache.Add(key, cached{scopes: scopes, expires: time.Now().Add(l.CacheTTL.D())})
		return scopes, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

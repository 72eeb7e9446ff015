// Package model holds the configuration entities shared by the store, the
// matcher and the pipeline.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
)

// PluginKind names one of the built-in policy plugins.
type PluginKind string

const (
	PluginIPRestriction PluginKind = "ip_restriction"
	PluginUARestriction PluginKind = "ua_restriction"
	PluginJWT           PluginKind = "jwt"
	PluginScopes        PluginKind = "scopes"
	PluginACL           PluginKind = "acl"
	PluginCORS          PluginKind = "cors"
	PluginIdempotency   PluginKind = "idempotency"
	PluginValidator     PluginKind = "validator"
	PluginClientLatency PluginKind = "client_latency"
	PluginLogger        PluginKind = "logger"
	PluginMonitoring    PluginKind = "monitoring"
	PluginProxy         PluginKind = "proxy"
)

// API is a configured route: a request matching rule, an upstream target and
// an ordered set of plugin configurations. An indexed API is never mutated;
// updates replace it wholesale with a higher Version.
type API struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name" yaml:"name"`
	Request  RequestMatch   `json:"request" yaml:"request"`
	Upstream Upstream       `json:"upstream" yaml:"upstream"`
	Priority int            `json:"priority,omitempty" yaml:"priority"`
	Plugins  []PluginConfig `json:"plugins,omitempty" yaml:"plugins"`
	Version  int64          `json:"version,omitempty" yaml:"version"`
}

// RequestMatch selects the inbound requests an API handles.
type RequestMatch struct {
	Scheme  string    `json:"scheme,omitempty" yaml:"scheme"`
	Host    string    `json:"host" yaml:"host"`
	Port    int       `json:"port,omitempty" yaml:"port"`
	Methods []string  `json:"methods,omitempty" yaml:"methods"`
	Path    string    `json:"path" yaml:"path"`
	Headers []Matcher `json:"headers,omitempty" yaml:"headers"`
	Query   []Matcher `json:"query,omitempty" yaml:"query"`
}

// Matcher is a header or query parameter condition. Exactly one of Value,
// Present or Regex is set.
type Matcher struct {
	Name    string `json:"name" yaml:"name"`
	Value   string `json:"value,omitempty" yaml:"value"`
	Present *bool  `json:"present,omitempty" yaml:"present"`
	Regex   string `json:"regex,omitempty" yaml:"regex"`
}

// Upstream describes where matched requests are forwarded.
type Upstream struct {
	Scheme       string `json:"scheme,omitempty" yaml:"scheme"`
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port,omitempty" yaml:"port"`
	Path         string `json:"path,omitempty" yaml:"path"`
	StripAPIPath bool   `json:"strip_api_path,omitempty" yaml:"strip_api_path"`
	PreserveHost bool   `json:"preserve_host,omitempty" yaml:"preserve_host"`
}

// PluginConfig attaches a plugin to an API. Settings are kind specific and
// validated when the configuration is written.
type PluginConfig struct {
	Name     PluginKind      `json:"name"`
	Enabled  bool            `json:"enabled"`
	Settings json.RawMessage `json:"settings,omitempty"`
	Position int             `json:"position"`
}

// UnmarshalYAML decodes a YAML plugin block, keeping settings as JSON.
func (p *PluginConfig) UnmarshalYAML(b []byte) error {
	j, err := yaml.YAMLToJSON(b)
	if err != nil {
		return err
	}
	type plain PluginConfig
	aux := plain{Enabled: true}
	if err := json.Unmarshal(j, &aux); err != nil {
		return fmt.Errorf("plugin config: %w", err)
	}
	if len(aux.Settings) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, aux.Settings); err != nil {
			return fmt.Errorf("plugin config: %w", err)
		}
		aux.Settings = buf.Bytes()
	}
	*p = PluginConfig(aux)
	return nil
}

// MarshalYAML writes settings as a YAML mapping rather than raw bytes.
func (p PluginConfig) MarshalYAML() (any, error) {
	out := map[string]any{
		"name":     string(p.Name),
		"enabled":  p.Enabled,
		"position": p.Position,
	}
	if len(p.Settings) > 0 {
		var settings any
		if err := json.Unmarshal(p.Settings, &settings); err != nil {
			return nil, fmt.Errorf("plugin %s settings: %w", p.Name, err)
		}
		out["settings"] = settings
	}
	return out, nil
}

// OrderedPlugins returns the enabled plugins sorted by position, then name.
func (a *API) OrderedPlugins() []PluginConfig {
	out := make([]PluginConfig, 0, len(a.Plugins))
	for _, p := range a.Plugins {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// FindPlugin returns the enabled configuration for kind, if any.
func (a *API) FindPlugin(kind PluginKind) (PluginConfig, bool) {
	for _, p := range a.Plugins {
		if p.Name == kind && p.Enabled {
			return p, true
		}
	}
	return PluginConfig{}, false
}

// WithDefaults returns api with every default plugin whose kind api does
// not list. A kind listed but disabled stays off, and disabled defaults are
// ignored. Added plugins are placed
// before the API's own so a halting plugin cannot skip them. api itself is
// returned when nothing is added.
func (a *API) WithDefaults(defaults []PluginConfig) *API {
	var missing []PluginConfig
	for _, d := range defaults {
		if !d.Enabled {
			continue
		}
		listed := false
		for _, p := range a.Plugins {
			if p.Name == d.Name {
				listed = true
				break
			}
		}
		if !listed {
			missing = append(missing, d)
		}
	}
	if len(missing) == 0 {
		return a
	}

	first := 0
	for i, p := range a.Plugins {
		if i == 0 || p.Position < first {
			first = p.Position
		}
	}
	c := *a
	c.Plugins = make([]PluginConfig, 0, len(a.Plugins)+len(missing))
	c.Plugins = append(c.Plugins, a.Plugins...)
	for _, d := range missing {
		d.Position = first - 1
		c.Plugins = append(c.Plugins, d)
	}
	return &c
}

// NormalizedHost returns the lowercased request host, or "*" for APIs that
// accept any host.
func (a *API) NormalizedHost() string {
	return NormalizeHost(a.Request.Host)
}

// NormalizeHost lowercases h, drops any port and maps "" to "*".
func NormalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if i := strings.LastIndexByte(h, ':'); i != -1 && !strings.Contains(h[i:], "]") {
		h = h[:i]
	}
	if h == "" {
		return "*"
	}
	return h
}

// Clone returns a deep copy of a.
func (a *API) Clone() *API {
	c := *a
	c.Request.Methods = append([]string(nil), a.Request.Methods...)
	c.Request.Headers = append([]Matcher(nil), a.Request.Headers...)
	c.Request.Query = append([]Matcher(nil), a.Request.Query...)
	c.Plugins = make([]PluginConfig, len(a.Plugins))
	for i, p := range a.Plugins {
		p.Settings = append(json.RawMessage(nil), p.Settings...)
		c.Plugins[i] = p
	}
	return &c
}

// Validate checks structural fields. Plugin settings are checked separately.
func (a *API) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("api id is required")
	}
	if a.Request.Path == "" || a.Request.Path[0] != '/' {
		return fmt.Errorf("api %s: request path must start with '/'", a.ID)
	}
	if a.Upstream.Host == "" {
		if _, ok := a.FindPlugin(PluginProxy); ok {
			return fmt.Errorf("api %s: upstream host is required when proxy is enabled", a.ID)
		}
	}
	switch strings.ToLower(a.Upstream.Scheme) {
	case "", "http", "https":
	default:
		return fmt.Errorf("api %s: unsupported upstream scheme %q", a.ID, a.Upstream.Scheme)
	}
	if err := validateMatchers(a.ID, "header", a.Request.Headers); err != nil {
		return err
	}
	if err := validateMatchers(a.ID, "query", a.Request.Query); err != nil {
		return err
	}
	seen := make(map[PluginKind]bool, len(a.Plugins))
	for _, p := range a.Plugins {
		if seen[p.Name] {
			return fmt.Errorf("api %s: plugin %s configured twice", a.ID, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func validateMatchers(apiID, kind string, ms []Matcher) error {
	for _, m := range ms {
		if m.Name == "" {
			return fmt.Errorf("api %s: %s matcher name is required", apiID, kind)
		}
		set := 0
		if m.Value != "" {
			set++
		}
		if m.Present != nil {
			set++
		}
		if m.Regex != "" {
			set++
			if _, err := regexp.Compile(m.Regex); err != nil {
				return fmt.Errorf("api %s: %s matcher %s: invalid regex: %w", apiID, kind, m.Name, err)
			}
		}
		if set != 1 {
			return fmt.Errorf("api %s: %s matcher %s must set exactly one of value, present, regex", apiID, kind, m.Name)
		}
	}
	return nil
}

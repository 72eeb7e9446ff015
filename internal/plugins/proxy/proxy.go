// Package proxy is the terminal plugin: it forwards the request to the
// API's upstream and halts with the upstream response.
package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
	"github.com/wudi/annon/internal/proxy"
)

// Forwarder performs the upstream call.
type Forwarder interface {
	Forward(c *pipeline.Context, t proxy.Target) (*pipeline.Response, error)
}

// Settings tune the upstream call. Upstream, when set, overrides the API's
// upstream.
type Settings struct {
	Timeout           model.Duration    `json:"timeout,omitempty"`
	AdditionalHeaders map[string]string `json:"additional_headers,omitempty"`
	StrippedHeaders   []string          `json:"stripped_headers,omitempty"`
	Upstream          *model.Upstream   `json:"upstream,omitempty"`
}

// Compiled is the validated form of Settings.
type Compiled struct {
	timeout  time.Duration
	add      map[string]string
	strip    []string
	upstream *model.Upstream
}

// Parse validates raw settings.
func Parse(raw json.RawMessage) (*Compiled, error) {
	var s Settings
	if err := pipeline.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	if s.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative")
	}
	c := &Compiled{timeout: s.Timeout.D(), upstream: s.Upstream}
	if len(s.AdditionalHeaders) > 0 {
		c.add = make(map[string]string, len(s.AdditionalHeaders))
		for k, v := range s.AdditionalHeaders {
			if k == "" {
				return nil, fmt.Errorf("additional_headers: empty header name")
			}
			c.add[http.CanonicalHeaderKey(k)] = v
		}
	}
	for _, k := range s.StrippedHeaders {
		c.strip = append(c.strip, http.CanonicalHeaderKey(k))
	}
	if u := s.Upstream; u != nil {
		if u.Host == "" {
			return nil, fmt.Errorf("upstream: host is required")
		}
		if u.Port < 0 || u.Port > 65535 {
			return nil, fmt.Errorf("upstream: invalid port %d", u.Port)
		}
	}
	return c, nil
}

// Plugin implements pipeline.Plugin
type Plugin struct {
	pipeline.Named

	forwarder Forwarder
}

// New creates the plugin on forwarder, usually a *proxy.Engine.
func New(forwarder Forwarder) *Plugin {
	return &Plugin{
		Named:     pipeline.Named(model.PluginProxy),
		forwarder: forwarder,
	}
}

// Compile parses the settings
func (p *Plugin) Compile(raw json.RawMessage) (any, error) {
	return Parse(raw)
}

// Handle forwards the request. Transport failures are returned as the
// engine's 502 or 504 gateway errors.
func (p *Plugin) Handle(c *pipeline.Context, settings any) error {
	s := settings.(*Compiled)
	t := proxy.Target{
		Upstream:     c.API.Upstream,
		Timeout:      s.timeout,
		AddHeaders:   s.add,
		StripHeaders: s.strip,
	}
	if s.upstream != nil {
		t.Upstream = *s.upstream
	}
	resp, err := p.forwarder.Forward(c, t)
	if err != nil {
		return err
	}
	c.Halt(resp)
	return nil
}

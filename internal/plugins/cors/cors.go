// Package cors answers preflight requests and decorates actual responses
// with CORS headers.
package cors

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
)

// Settings configures the plugin.
type Settings struct {
	AllowOrigins        []string `json:"allow_origins,omitempty"`
	AllowOriginPatterns []string `json:"allow_origin_patterns,omitempty"`
	AllowMethods        []string `json:"allow_methods,omitempty"`
	AllowHeaders        []string `json:"allow_headers,omitempty"`
	ExposeHeaders       []string `json:"expose_headers,omitempty"`
	AllowCredentials    bool     `json:"allow_credentials,omitempty"`
	MaxAge              int      `json:"max_age,omitempty"`
}

// Policy is the compiled form of Settings.
type Policy struct {
	allowOrigins        []string
	allowOriginPatterns []*regexp.Regexp
	allowMethods        string
	allowHeaders        string
	exposeHeaders       string
	allowCredentials    bool
	maxAge              string
	allowAllOrigins     bool
}

// Parse validates raw settings.
func Parse(raw json.RawMessage) (*Policy, error) {
	var s Settings
	if err := pipeline.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	p := &Policy{
		allowOrigins:     s.AllowOrigins,
		allowCredentials: s.AllowCredentials,
	}

	for _, pattern := range s.AllowOriginPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		p.allowOriginPatterns = append(p.allowOriginPatterns, re)
	}

	if len(s.AllowMethods) > 0 {
		p.allowMethods = strings.Join(s.AllowMethods, ", ")
	} else {
		p.allowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}

	if len(s.AllowHeaders) > 0 {
		p.allowHeaders = strings.Join(s.AllowHeaders, ", ")
	} else {
		p.allowHeaders = "Content-Type, Authorization, Idempotency-Key"
	}

	if len(s.ExposeHeaders) > 0 {
		p.exposeHeaders = strings.Join(s.ExposeHeaders, ", ")
	}

	if s.MaxAge > 0 {
		p.maxAge = strconv.Itoa(s.MaxAge)
	} else {
		p.maxAge = "86400"
	}

	if len(s.AllowOrigins) == 0 && len(s.AllowOriginPatterns) == 0 {
		p.allowAllOrigins = true
	}
	for _, o := range s.AllowOrigins {
		if o == "*" {
			p.allowAllOrigins = true
			break
		}
	}
	return p, nil
}

// IsPreflight returns true if the request is a CORS preflight
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Origin") != "" && r.Header.Get("Access-Control-Request-Method") != ""
}

func (p *Policy) originAllowed(origin string) bool {
	if p.allowAllOrigins {
		return true
	}
	for _, allowed := range p.allowOrigins {
		if allowed == origin {
			return true
		}
		// *.example.com
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}
	for _, re := range p.allowOriginPatterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

func (p *Policy) responseOrigin(origin string) string {
	if p.allowAllOrigins && !p.allowCredentials {
		return "*"
	}
	return origin
}

// preflight builds the 204 reply to a preflight request.
func (p *Policy) preflight(r *http.Request) *pipeline.Response {
	h := make(http.Header)
	origin := r.Header.Get("Origin")
	if p.originAllowed(origin) {
		h.Set("Access-Control-Allow-Origin", p.responseOrigin(origin))
		h.Set("Access-Control-Allow-Methods", p.allowMethods)
		h.Set("Access-Control-Allow-Headers", p.allowHeaders)
		if p.allowCredentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		h.Set("Access-Control-Max-Age", p.maxAge)
	}
	h.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	return &pipeline.Response{Status: http.StatusNoContent, Header: h}
}

// decorate adds CORS headers to an actual response.
func (p *Policy) decorate(r *http.Request, h http.Header) {
	origin := r.Header.Get("Origin")
	if origin == "" || !p.originAllowed(origin) {
		return
	}
	h.Set("Access-Control-Allow-Origin", p.responseOrigin(origin))
	if p.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if p.exposeHeaders != "" {
		h.Set("Access-Control-Expose-Headers", p.exposeHeaders)
	}
	h.Add("Vary", "Origin")
}

// Plugin implements pipeline.Plugin
type Plugin struct {
	pipeline.Named
}

// New creates the plugin
func New() *Plugin {
	return &Plugin{Named: pipeline.Named(model.PluginCORS)}
}

// Compile parses the settings
func (p *Plugin) Compile(raw json.RawMessage) (any, error) {
	return Parse(raw)
}

// Handle halts preflights and registers a response hook for the rest,
// so rejections by later plugins carry CORS headers too.
func (p *Plugin) Handle(c *pipeline.Context, settings any) error {
	pol := settings.(*Policy)
	if IsPreflight(c.Request) {
		c.Halt(pol.preflight(c.Request))
		return nil
	}
	c.OnResponse(func(c *pipeline.Context) {
		if c.Response.Header == nil {
			c.Response.Header = make(http.Header)
		}
		pol.decorate(c.Request, c.Response.Header)
	})
	return nil
}

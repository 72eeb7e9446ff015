// Package clientlatency reports gateway and upstream latency to the client
// in response headers.
package clientlatency

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
)

// DefaultHeaderPrefix is used when no prefix is configured.
const DefaultHeaderPrefix = "X-Latency-"

// Settings configures the header names.
type Settings struct {
	HeaderPrefix string `json:"header_prefix,omitempty"`
}

// Headers are the canonical names written on the response.
type Headers struct {
	Gateway  string
	Upstream string
	Total    string
}

// Parse validates raw settings.
func Parse(raw json.RawMessage) (*Headers, error) {
	var s Settings
	if err := pipeline.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	prefix := s.HeaderPrefix
	if prefix == "" {
		prefix = DefaultHeaderPrefix
	}
	return &Headers{
		Gateway:  http.CanonicalHeaderKey(prefix + "Gateway"),
		Upstream: http.CanonicalHeaderKey(prefix + "Upstream"),
		Total:    http.CanonicalHeaderKey(prefix + "Total"),
	}, nil
}

// Plugin implements pipeline.Plugin
type Plugin struct {
	pipeline.Named
}

// New creates the plugin
func New() *Plugin {
	return &Plugin{Named: pipeline.Named(model.PluginClientLatency)}
}

// Compile parses the settings
func (p *Plugin) Compile(raw json.RawMessage) (any, error) {
	return Parse(raw)
}

// Handle registers a response hook that writes the latency headers in
// milliseconds. The upstream header is omitted when no upstream was called.
func (p *Plugin) Handle(c *pipeline.Context, settings any) error {
	h := settings.(*Headers)
	c.OnResponse(func(c *pipeline.Context) {
		resp := c.Response
		if resp == nil {
			return
		}
		if resp.Header == nil {
			resp.Header = make(http.Header, 3)
		}
		total := c.Timing.Total()
		resp.Header.Set(h.Total, millis(total))
		resp.Header.Set(h.Gateway, millis(total-c.Timing.Upstream()))
		if up := c.Timing.Upstream(); up > 0 {
			resp.Header.Set(h.Upstream, millis(up))
		}
	})
	return nil
}

func millis(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 3, 64)
}

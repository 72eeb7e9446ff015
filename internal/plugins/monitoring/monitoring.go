// Package monitoring records request metrics for an API.
package monitoring

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/metrics"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
)

var labelName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Settings adds static labels to the API's series. They are folded into a
// single "tags" label as sorted name:value pairs.
type Settings struct {
	Labels map[string]string `json:"labels,omitempty"`
}

// Compiled is the validated form of Settings.
type Compiled struct {
	tags string
}

// Parse validates raw settings.
func Parse(raw json.RawMessage) (*Compiled, error) {
	var s Settings
	if err := pipeline.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	pairs := make([]string, 0, len(s.Labels))
	for k, v := range s.Labels {
		if !labelName.MatchString(k) {
			return nil, fmt.Errorf("labels: invalid name %q", k)
		}
		if strings.ContainsAny(v, ",") {
			return nil, fmt.Errorf("labels: value of %q must not contain a comma", k)
		}
		pairs = append(pairs, k+":"+v)
	}
	sort.Strings(pairs)
	return &Compiled{tags: strings.Join(pairs, ",")}, nil
}

// Plugin implements pipeline.Plugin
type Plugin struct {
	pipeline.Named

	collector *metrics.Collector
}

// New creates the plugin on collector.
func New(collector *metrics.Collector) *Plugin {
	return &Plugin{
		Named:     pipeline.Named(model.PluginMonitoring),
		collector: collector,
	}
}

// Compile parses the settings
func (p *Plugin) Compile(raw json.RawMessage) (any, error) {
	return Parse(raw)
}

// Handle records the request once it completed.
func (p *Plugin) Handle(c *pipeline.Context, settings any) error {
	s := settings.(*Compiled)
	c.OnComplete(func(c *pipeline.Context) {
		api := ""
		if c.API != nil {
			api = c.API.ID
		}
		status := 0
		if c.Response != nil {
			status = c.Response.Status
		}
		p.collector.RecordRequest(api, c.Request.Method, status, string(c.HaltedBy), s.tags)
		p.collector.RecordLatency(api, metrics.PhaseTotal, s.tags, c.Timing.Total())
		p.collector.RecordLatency(api, metrics.PhaseGateway, s.tags, c.Timing.Pipeline())
		p.collector.RecordLatency(api, metrics.PhaseUpstream, s.tags, c.Timing.Upstream())

		if c.Err != nil && (c.Err.Kind == errors.KindUpstreamUnreachable || c.Err.Kind == errors.KindUpstreamTimeout) {
			p.collector.RecordUpstreamError(api, string(c.Err.Kind))
		}
	})
	return nil
}

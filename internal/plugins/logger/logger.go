// Package logger emits a request log record for every request of an API
// once the response was written.
package logger

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
	"github.com/wudi/annon/internal/requestlog"
)

// DefaultSensitiveHeaders are always masked unless overridden.
var DefaultSensitiveHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-API-Key", "Proxy-Authorization"}

const redacted = "[REDACTED]"

// Settings configures what a record carries.
type Settings struct {
	IncludeBody      bool     `json:"include_body,omitempty"`
	IncludeHeaders   bool     `json:"include_headers,omitempty"`
	MaxBody          int64    `json:"max_body,omitempty"`
	Redact           []string `json:"redact,omitempty"`
	SensitiveHeaders []string `json:"sensitive_headers,omitempty"`
}

// Compiled is the validated form of Settings.
type Compiled struct {
	includeBody    bool
	includeHeaders bool
	maxBody        int64
	redact         []string
	sensitive      map[string]bool
}

// Parse validates raw settings.
func Parse(raw json.RawMessage) (*Compiled, error) {
	var s Settings
	if err := pipeline.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	c := &Compiled{
		includeBody:    s.IncludeBody,
		includeHeaders: s.IncludeHeaders,
		maxBody:        s.MaxBody,
		sensitive:      make(map[string]bool),
	}
	if c.maxBody <= 0 {
		c.maxBody = 4096
	}
	for _, p := range s.Redact {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("redact: empty path")
		}
		c.redact = append(c.redact, p)
	}
	headers := s.SensitiveHeaders
	if headers == nil {
		headers = DefaultSensitiveHeaders
	}
	for _, h := range headers {
		c.sensitive[http.CanonicalHeaderKey(h)] = true
	}
	return c, nil
}

// Plugin implements pipeline.Plugin.
type Plugin struct {
	pipeline.Named

	sink   requestlog.Sink
	logger *zap.Logger
}

// New creates the plugin writing to sink.
func New(sink requestlog.Sink, logger *zap.Logger) *Plugin {
	return &Plugin{
		Named:  pipeline.Named(model.PluginLogger),
		sink:   sink,
		logger: logger,
	}
}

// Compile parses the settings
func (p *Plugin) Compile(raw json.RawMessage) (any, error) {
	return Parse(raw)
}

// Handle captures what the record needs and emits it on completion.
// Bodies are captured only up to max_body; larger or unsized request
// bodies are left untouched.
func (p *Plugin) Handle(c *pipeline.Context, settings any) error {
	s := settings.(*Compiled)

	if s.includeBody {
		if r := c.Request; r.ContentLength > 0 && r.ContentLength <= s.maxBody {
			if _, err := c.Body(s.maxBody); err != nil {
				return err
			}
		}
	}

	var respBody []byte
	if s.includeBody {
		c.OnResponse(func(c *pipeline.Context) {
			if c.Response == nil {
				return
			}
			if err := c.Response.Buffer(s.maxBody); err == nil {
				respBody = c.Response.Body
			}
		})
	}

	c.OnComplete(func(c *pipeline.Context) {
		rec := p.record(c, s)
		if s.includeBody {
			if body, ok := c.BufferedBody(); ok {
				rec.RequestBody = s.redactBody(body)
			}
			rec.ResponseBody = s.redactBody(respBody)
		}
		if err := p.sink.Emit(c.Context(), rec); err != nil {
			p.logger.Warn("request log emit failed", zap.String("request_id", c.RequestID), zap.Error(err))
		}
	})
	return nil
}

func (p *Plugin) record(c *pipeline.Context, s *Compiled) requestlog.Record {
	r := c.Request
	rec := requestlog.Record{
		RequestID:      c.RequestID,
		Timestamp:      c.Timing.Start,
		ConsumerID:     c.Annotations.ConsumerID,
		IdempotencyKey: c.Annotations.IdempotencyKey,
		Method:         r.Method,
		Host:           r.Host,
		Path:           r.URL.Path,
		Query:          r.URL.RawQuery,
		ClientIP:       c.ClientIP,
		UserAgent:      r.UserAgent(),
		HaltedBy:       string(c.HaltedBy),
		Latencies: requestlog.Latencies{
			Gateway:  requestlog.Millis(c.Timing.Pipeline()),
			Upstream: requestlog.Millis(c.Timing.Upstream()),
			Total:    requestlog.Millis(c.Timing.Total()),
		},
	}
	if c.API != nil {
		rec.APIID = c.API.ID
		rec.APIName = c.API.Name
	}
	if c.Response != nil {
		rec.Status = c.Response.Status
	}
	if c.Err != nil {
		rec.ErrorKind = string(c.Err.Kind)
	}
	if s.includeHeaders {
		rec.RequestHeaders = s.captureHeaders(r.Header)
	}
	return rec
}

func (s *Compiled) captureHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, vals := range h {
		canonical := http.CanonicalHeaderKey(name)
		if s.sensitive[canonical] {
			out[canonical] = "***"
			continue
		}
		out[canonical] = strings.Join(vals, ", ")
	}
	return out
}

// redactBody replaces configured JSON paths and truncates to max_body.
func (s *Compiled) redactBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if len(s.redact) > 0 && gjson.ValidBytes(body) {
		body = append([]byte(nil), body...)
		for _, path := range s.redact {
			if !gjson.GetBytes(body, path).Exists() {
				continue
			}
			if out, err := sjson.SetBytes(body, path, redacted); err == nil {
				body = out
			}
		}
	}
	if int64(len(body)) > s.maxBody {
		body = body[:s.maxBody]
	}
	return string(body)
}

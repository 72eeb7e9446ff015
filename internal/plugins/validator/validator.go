// Package validator checks request payloads against JSON Schemas.
package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/formdata"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
)

// RuleSettings binds a schema to requests. Path is a doublestar glob.
type RuleSettings struct {
	Methods []string        `json:"methods,omitempty"`
	Path    string          `json:"path,omitempty"`
	Schema  json.RawMessage `json:"schema"`
}

// Settings configures the plugin.
type Settings struct {
	Rules       []RuleSettings `json:"rules"`
	MaxBodySize int64          `json:"max_body_size,omitempty"`
}

type rule struct {
	methods map[string]bool
	path    string
	schema  *jsonschema.Schema
}

// Compiled holds the compiled schemas.
type Compiled struct {
	rules       []rule
	maxBodySize int64
}

// Parse validates raw settings and compiles every schema.
func Parse(raw json.RawMessage) (*Compiled, error) {
	var s Settings
	if err := pipeline.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	if len(s.Rules) == 0 {
		return nil, fmt.Errorf("at least one rule is required")
	}
	c := &Compiled{maxBodySize: s.MaxBodySize}
	if c.maxBodySize <= 0 {
		c.maxBodySize = 1 << 20
	}
	for i, rs := range s.Rules {
		r := rule{path: rs.Path}
		if r.path != "" && !doublestar.ValidatePattern(r.path) {
			return nil, fmt.Errorf("rule %d: invalid path pattern %q", i, r.path)
		}
		if len(rs.Methods) > 0 {
			r.methods = make(map[string]bool, len(rs.Methods))
			for _, m := range rs.Methods {
				r.methods[strings.ToUpper(m)] = true
			}
		}
		schema, err := compileSchema(rs.Schema)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		r.schema = schema
		c.rules = append(c.rules, r)
	}
	return c, nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("schema is required")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSON schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}

func (c *Compiled) match(r *http.Request) *rule {
	for i := range c.rules {
		rl := &c.rules[i]
		if rl.methods != nil && !rl.methods[r.Method] {
			continue
		}
		if rl.path != "" {
			if ok, _ := doublestar.Match(rl.path, r.URL.Path); !ok {
				continue
			}
		}
		return rl
	}
	return nil
}

// Plugin implements pipeline.Plugin
type Plugin struct {
	pipeline.Named
}

// New creates the plugin
func New() *Plugin {
	return &Plugin{Named: pipeline.Named(model.PluginValidator)}
}

// Compile parses the settings
func (p *Plugin) Compile(raw json.RawMessage) (any, error) {
	return Parse(raw)
}

// Handle validates the JSON body, the fields of a multipart body, or the
// query string for requests without a body, against the first matching rule.
// A parsed multipart body is kept on the context so the proxy forwards it
// as received.
func (p *Plugin) Handle(c *pipeline.Context, settings any) error {
	s := settings.(*Compiled)
	r := s.match(c.Request)
	if r == nil {
		return nil
	}

	var instance any
	ct := c.Request.Header.Get("Content-Type")
	switch {
	case !hasBody(c.Request):
		instance = firstValues(c.Request.URL.Query())
	case isJSON(ct):
		body, err := c.Body(s.maxBodySize)
		if err != nil {
			return err
		}
		instance, err = jsonschema.UnmarshalJSON(bytes.NewReader(body))
		if err != nil {
			return errors.ErrBadRequest.WithDetails("request body is not valid JSON")
		}
	default:
		boundary, ok := formdata.Boundary(ct)
		if !ok {
			return nil
		}
		body, err := c.Body(s.maxBodySize)
		if err != nil {
			return err
		}
		form, err := formdata.Parse(body, boundary)
		if err != nil {
			return errors.ErrBadRequest.WithDetails("request body is not valid multipart")
		}
		c.Form = form
		instance = firstValues(form.Values())
	}

	err := r.schema.Validate(instance)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return errors.ErrBadRequest.WithDetails(err.Error())
	}
	return errors.ErrBadRequest.WithDetails("request validation failed").WithFields(fieldErrors(ve))
}

func firstValues(values map[string][]string) map[string]any {
	obj := make(map[string]any, len(values))
	for k, v := range values {
		obj[k] = v[0]
	}
	return obj
}

func hasBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions:
		return r.ContentLength > 0
	}
	return true
}

func isJSON(ct string) bool {
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func fieldErrors(ve *jsonschema.ValidationError) []errors.FieldError {
	out := ve.BasicOutput()
	fields := make([]errors.FieldError, 0, len(out.Errors))
	for _, u := range out.Errors {
		// the root unit only says that validation failed
		if u.Error == nil || u.KeywordLocation == "" {
			continue
		}
		fields = append(fields, errors.FieldError{
			Entry:   "$" + strings.ReplaceAll(u.InstanceLocation, "/", "."),
			Rule:    u.KeywordLocation,
			Message: u.Error.String(),
		})
	}
	if len(fields) == 0 {
		fields = append(fields, errors.FieldError{Entry: "$", Message: ve.Error()})
	}
	return fields
}

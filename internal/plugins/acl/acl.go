// Package acl authorizes requests against an ordered list of rules. The
// first rule matching the method and path decides; requests matching no
// rule are denied.
package acl

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
)

const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// RuleSettings is one access rule. Path is a doublestar glob over the
// request path; an empty path or method list matches everything.
type RuleSettings struct {
	Methods   []string `json:"methods,omitempty"`
	Path      string   `json:"path,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	Consumers []string `json:"consumers,omitempty"`
	Effect    string   `json:"effect,omitempty"`
	When      string   `json:"when,omitempty"`
}

// Settings configures the plugin.
type Settings struct {
	Rules []RuleSettings `json:"rules"`
}

type rule struct {
	methods   map[string]bool
	path      string
	scopes    []string
	consumers []string
	allow     bool
	when      *vm.Program
}

// Policy is the compiled rule list.
type Policy struct {
	rules        []rule
	needIdentity bool
}

// Parse validates raw settings and compiles rule conditions.
func Parse(raw json.RawMessage) (*Policy, error) {
	var s Settings
	if err := pipeline.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	if len(s.Rules) == 0 {
		return nil, fmt.Errorf("at least one rule is required")
	}
	p := &Policy{}
	for i, rs := range s.Rules {
		r := rule{path: rs.Path, scopes: rs.Scopes, consumers: rs.Consumers}
		if len(rs.Methods) > 0 {
			r.methods = make(map[string]bool, len(rs.Methods))
			for _, m := range rs.Methods {
				r.methods[strings.ToUpper(m)] = true
			}
		}
		if r.path != "" && !doublestar.ValidatePattern(r.path) {
			return nil, fmt.Errorf("rule %d: invalid path pattern %q", i, r.path)
		}
		switch rs.Effect {
		case "", EffectAllow:
			r.allow = true
		case EffectDeny:
		default:
			return nil, fmt.Errorf("rule %d: unknown effect %q", i, rs.Effect)
		}
		if rs.When != "" {
			prog, err := expr.Compile(rs.When, expr.Env(Env{}), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("rule %d: failed to compile condition: %w", i, err)
			}
			r.when = prog
		}
		if len(r.scopes) > 0 || len(r.consumers) > 0 {
			p.needIdentity = true
		}
		p.rules = append(p.rules, r)
	}
	return p, nil
}

// Plugin implements pipeline.Plugin
type Plugin struct {
	pipeline.Named
}

// New creates the plugin
func New() *Plugin {
	return &Plugin{Named: pipeline.Named(model.PluginACL)}
}

// Compile parses the settings
func (p *Plugin) Compile(raw json.RawMessage) (any, error) {
	return Parse(raw)
}

// Handle allows or denies the request.
func (p *Plugin) Handle(c *pipeline.Context, settings any) error {
	pol := settings.(*Policy)

	if pol.needIdentity && c.Annotations.ConsumerID == "" && len(c.Annotations.Scopes) == 0 {
		return errors.ErrUnauthorized.WithDetails("consumer is not identified")
	}

	var env *Env
	for i := range pol.rules {
		r := &pol.rules[i]
		if r.methods != nil && !r.methods[c.Request.Method] {
			continue
		}
		if r.path != "" {
			if ok, _ := doublestar.Match(r.path, c.Request.URL.Path); !ok {
				continue
			}
		}
		if r.when != nil {
			if env == nil {
				e := newEnv(c)
				env = &e
			}
			out, err := expr.Run(r.when, *env)
			if err != nil {
				c.Logger.Warn("acl condition failed", zap.Int("rule", i), zap.Error(err))
				continue
			}
			if ok, _ := out.(bool); !ok {
				continue
			}
		}
		if !r.allow {
			return errors.ErrForbidden.WithDetails("access denied by rule")
		}
		if !r.granted(c) {
			return errors.ErrForbidden.WithDetails("you are not authorized to access this resource")
		}
		return nil
	}
	return errors.ErrForbidden.WithDetails("no access rule matches the request")
}

func (r *rule) granted(c *pipeline.Context) bool {
	if len(r.consumers) > 0 && !slices.Contains(r.consumers, c.Annotations.ConsumerID) {
		return false
	}
	for _, s := range r.scopes {
		if !c.Annotations.HasScope(s) {
			return false
		}
	}
	return true
}

// Package uarestriction rejects requests by User-Agent.
package uarestriction

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
)

// Settings lists User-Agent regular expressions.
type Settings struct {
	Whitelist []string `json:"whitelist,omitempty"`
	Blacklist []string `json:"blacklist,omitempty"`
}

// Filter is the compiled form of Settings.
type Filter struct {
	allow []*regexp.Regexp
	deny  []*regexp.Regexp
}

// Parse validates raw settings and compiles the expressions.
func Parse(raw json.RawMessage) (*Filter, error) {
	var s Settings
	if err := pipeline.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	f := &Filter{}
	var err error
	if f.allow, err = compileAll(s.Whitelist); err != nil {
		return nil, fmt.Errorf("whitelist: %w", err)
	}
	if f.deny, err = compileAll(s.Blacklist); err != nil {
		return nil, fmt.Errorf("blacklist: %w", err)
	}
	return f, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Allowed checks the blacklist, then the whitelist if one is set.
func (f *Filter) Allowed(ua string) bool {
	for _, re := range f.deny {
		if re.MatchString(ua) {
			return false
		}
	}
	if len(f.allow) == 0 {
		return true
	}
	for _, re := range f.allow {
		if re.MatchString(ua) {
			return true
		}
	}
	return false
}

// Plugin implements pipeline.Plugin
type Plugin struct {
	pipeline.Named
}

// New creates the plugin
func New() *Plugin {
	return &Plugin{Named: pipeline.Named(model.PluginUARestriction)}
}

// Compile parses the settings
func (p *Plugin) Compile(raw json.RawMessage) (any, error) {
	return Parse(raw)
}

// Handle rejects disallowed user agents with 403.
func (p *Plugin) Handle(c *pipeline.Context, settings any) error {
	if !settings.(*Filter).Allowed(c.Request.UserAgent()) {
		return errors.ErrForbidden.WithDetails("user agent is not allowed")
	}
	return nil
}

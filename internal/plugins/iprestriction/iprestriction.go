// Package iprestriction rejects requests by client IP.
package iprestriction

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
)

// Settings lists CIDRs or single addresses.
type Settings struct {
	Whitelist []string `json:"whitelist,omitempty"`
	Blacklist []string `json:"blacklist,omitempty"`
}

// Filter is the compiled form of Settings.
type Filter struct {
	allow []*net.IPNet
	deny  []*net.IPNet
}

// Parse validates raw settings and compiles the address lists.
func Parse(raw json.RawMessage) (*Filter, error) {
	var s Settings
	if err := pipeline.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	f := &Filter{}
	var err error
	if f.allow, err = parseNets(s.Whitelist); err != nil {
		return nil, fmt.Errorf("whitelist: %w", err)
	}
	if f.deny, err = parseNets(s.Blacklist); err != nil {
		return nil, fmt.Errorf("blacklist: %w", err)
	}
	return f, nil
}

func parseNets(entries []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		_, ipNet, err := net.ParseCIDR(e)
		if err != nil {
			// single address
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid address %q", e)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		out = append(out, ipNet)
	}
	return out, nil
}

// Allowed checks the blacklist first; a non-empty whitelist must then
// contain the address.
func (f *Filter) Allowed(ip net.IP) bool {
	for _, n := range f.deny {
		if n.Contains(ip) {
			return false
		}
	}
	if len(f.allow) == 0 {
		return true
	}
	for _, n := range f.allow {
		if n.Contains(ip) {
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
	return &Plugin{Named: pipeline.Named(model.PluginIPRestriction)}
}

// Compile parses the settings
func (p *Plugin) Compile(raw json.RawMessage) (any, error) {
	return Parse(raw)
}

// Handle rejects requests from disallowed addresses with 403.
func (p *Plugin) Handle(c *pipeline.Context, settings any) error {
	f := settings.(*Filter)
	ip := net.ParseIP(c.ClientIP)
	if ip == nil || !f.Allowed(ip) {
		return errors.ErrForbidden.WithDetails("client IP address is not allowed")
	}
	return nil
}

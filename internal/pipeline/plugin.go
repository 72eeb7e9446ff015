package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/wudi/annon/internal/model"
)

// Plugin is one policy in an API's chain.
//
// FindSettings and Compile run when the chain of an API version is built;
// Handle runs for every request with the compiled settings. Handle may
// annotate the context, register hooks, halt via Context.Halt, or return a
// *errors.GatewayError which halts with that error.
type Plugin interface {
	Kind() model.PluginKind
	FindSettings(api *model.API) (json.RawMessage, bool)
	Compile(raw json.RawMessage) (any, error)
	Handle(c *Context, settings any) error
}

// Named implements Kind and FindSettings for embedding plugins.
type Named model.PluginKind

// Kind returns the plugin kind.
func (k Named) Kind() model.PluginKind { return model.PluginKind(k) }

// FindSettings returns the settings of the enabled plugin config for k.
func (k Named) FindSettings(api *model.API) (json.RawMessage, bool) {
	pc, ok := api.FindPlugin(model.PluginKind(k))
	if !ok {
		return nil, false
	}
	return pc.Settings, true
}

// Stage is a plugin bound to its compiled settings.
type Stage struct {
	Plugin   Plugin
	Settings any
}

// Name returns the plugin kind of the stage.
func (s Stage) Name() model.PluginKind {
	return s.Plugin.Kind()
}

// Registry holds the closed set of plugin kinds.
type Registry struct {
	plugins map[model.PluginKind]Plugin
}

// NewRegistry creates a registry from plugins.
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[model.PluginKind]Plugin, len(plugins))}
	for _, p := range plugins {
		r.plugins[p.Kind()] = p
	}
	return r
}

// Get returns the plugin registered for kind.
func (r *Registry) Get(kind model.PluginKind) (Plugin, bool) {
	p, ok := r.plugins[kind]
	return p, ok
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []model.PluginKind {
	out := make([]model.PluginKind, 0, len(r.plugins))
	for k := range r.plugins {
		out = append(out, k)
	}
	return out
}

// Stages compiles the chain of api in configured order. Plugins whose
// FindSettings reports no settings are skipped.
func (r *Registry) Stages(api *model.API) ([]Stage, error) {
	ordered := api.OrderedPlugins()
	stages := make([]Stage, 0, len(ordered))
	for _, pc := range ordered {
		p, ok := r.plugins[pc.Name]
		if !ok {
			return nil, fmt.Errorf("api %s: unknown plugin %q", api.ID, pc.Name)
		}
		raw, ok := p.FindSettings(api)
		if !ok {
			continue
		}
		settings, err := p.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("api %s: plugin %s: %w", api.ID, pc.Name, err)
		}
		stages = append(stages, Stage{Plugin: p, Settings: settings})
	}
	return stages, nil
}

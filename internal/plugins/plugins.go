// Package plugins assembles the closed set of policy plugins and validates
// their settings when API definitions are written.
package plugins

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/metrics"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
	"github.com/wudi/annon/internal/plugins/acl"
	"github.com/wudi/annon/internal/plugins/clientlatency"
	"github.com/wudi/annon/internal/plugins/cors"
	"github.com/wudi/annon/internal/plugins/idempotency"
	"github.com/wudi/annon/internal/plugins/iprestriction"
	"github.com/wudi/annon/internal/plugins/jwt"
	"github.com/wudi/annon/internal/plugins/logger"
	"github.com/wudi/annon/internal/plugins/monitoring"
	"github.com/wudi/annon/internal/plugins/proxy"
	"github.com/wudi/annon/internal/plugins/scopes"
	"github.com/wudi/annon/internal/plugins/uarestriction"
	"github.com/wudi/annon/internal/plugins/validator"
	engine "github.com/wudi/annon/internal/proxy"
	"github.com/wudi/annon/internal/requestlog"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// parsers run the kind specific checks after the schema passed.
var parsers = map[model.PluginKind]func(json.RawMessage) error{
	model.PluginIPRestriction: discard(iprestriction.Parse),
	model.PluginUARestriction: discard(uarestriction.Parse),
	model.PluginJWT:           discard(jwt.Parse),
	model.PluginScopes:        discard(scopes.Parse),
	model.PluginACL:           discard(acl.Parse),
	model.PluginCORS:          discard(cors.Parse),
	model.PluginIdempotency:   discard(idempotency.Parse),
	model.PluginValidator:     discard(validator.Parse),
	model.PluginClientLatency: discard(clientlatency.Parse),
	model.PluginLogger:        discard(logger.Parse),
	model.PluginMonitoring:    discard(monitoring.Parse),
	model.PluginProxy:         discard(proxy.Parse),
}

func discard[T any](parse func(json.RawMessage) (T, error)) func(json.RawMessage) error {
	return func(raw json.RawMessage) error {
		_, err := parse(raw)
		return err
	}
}

// Kinds returns every supported plugin kind, sorted.
func Kinds() []model.PluginKind {
	out := make([]model.PluginKind, 0, len(parsers))
	for k := range parsers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	schemasOnce sync.Once
	schemas     map[model.PluginKind]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[model.PluginKind]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		schemas = make(map[model.PluginKind]*jsonschema.Schema, len(parsers))
		c := jsonschema.NewCompiler()
		for kind := range parsers {
			name := string(kind) + ".json"
			b, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemasErr = fmt.Errorf("schema for %s: %w", kind, err)
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
			if err != nil {
				schemasErr = fmt.Errorf("schema for %s: %w", kind, err)
				return
			}
			if err := c.AddResource(name, doc); err != nil {
				schemasErr = fmt.Errorf("schema for %s: %w", kind, err)
				return
			}
			s, err := c.Compile(name)
			if err != nil {
				schemasErr = fmt.Errorf("schema for %s: %w", kind, err)
				return
			}
			schemas[kind] = s
		}
	})
	return schemas, schemasErr
}

// ValidateSettings checks the settings of one plugin configuration. It is
// pure and meant for configuration writes, never for the request path.
// Failures are configuration_invalid errors listing each violation.
func ValidateSettings(kind model.PluginKind, raw []byte) error {
	parse, ok := parsers[kind]
	if !ok {
		return errors.Invalid("unknown plugin %q", kind)
	}
	all, err := loadSchemas()
	if err != nil {
		return err
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return errors.Invalid("plugin %s: settings are not valid JSON", kind).WithCause(err)
	}
	if err := all[kind].Validate(doc); err != nil {
		ge := errors.Invalid("plugin %s: invalid settings", kind)
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			ge = ge.WithFields(fieldErrors(ve))
		}
		return ge.WithCause(err)
	}
	if err := parse(raw); err != nil {
		return errors.Invalid("plugin %s: invalid settings", kind).
			WithFields([]errors.FieldError{{Entry: "$", Rule: "settings", Message: err.Error()}}).
			WithCause(err)
	}
	return nil
}

// ValidateAPI checks the settings of every plugin of api.
func ValidateAPI(api *model.API) error {
	for _, p := range api.Plugins {
		if err := ValidateSettings(p.Name, p.Settings); err != nil {
			return err
		}
	}
	return nil
}

// ValidateDefaults checks the settings of the node-level default plugins.
func ValidateDefaults(defaults []model.PluginConfig) error {
	for _, p := range defaults {
		if err := ValidateSettings(p.Name, p.Settings); err != nil {
			return err
		}
	}
	return nil
}

func fieldErrors(ve *jsonschema.ValidationError) []errors.FieldError {
	var out []errors.FieldError
	for _, u := range ve.BasicOutput().Errors {
		if u.Error == nil || u.KeywordLocation == "" {
			continue
		}
		out = append(out, errors.FieldError{
			Entry:   "$" + strings.ReplaceAll(u.InstanceLocation, "/", "."),
			Rule:    u.KeywordLocation,
			Message: u.Error.String(),
		})
	}
	return out
}

// Deps are the shared collaborators of the plugins.
type Deps struct {
	Forwarder        proxy.Forwarder
	IdempotencyStore idempotency.Store
	Sink             requestlog.Sink
	Metrics          *metrics.Collector
	// HTTPClient is used for scope lookups.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Set is the registry of all plugins plus the resources some of them own.
type Set struct {
	*pipeline.Registry

	jwt *jwt.Plugin
}

// New builds every plugin kind on deps.
func New(deps Deps) *Set {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Forwarder == nil {
		deps.Forwarder = engine.New(engine.Config{})
	}
	if deps.IdempotencyStore == nil {
		deps.IdempotencyStore = idempotency.NewMemoryStore(0)
	}
	if deps.Sink == nil {
		deps.Sink = requestlog.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	jwtPlugin := jwt.New()
	return &Set{
		Registry: pipeline.NewRegistry(
			iprestriction.New(),
			uarestriction.New(),
			jwtPlugin,
			scopes.New(deps.HTTPClient, log.Named("scopes")),
			acl.New(),
			cors.New(),
			idempotency.New(deps.IdempotencyStore, log.Named("idempotency")),
			validator.New(),
			clientlatency.New(),
			logger.New(deps.Sink, log.Named("request_log")),
			monitoring.New(deps.Metrics),
			proxy.New(deps.Forwarder),
		),
		jwt: jwtPlugin,
	}
}

// Close stops background key refreshes.
func (s *Set) Close() error {
	return s.jwt.Close()
}

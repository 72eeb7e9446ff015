package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/wudi/annon/internal/model"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

var (
	validStores      = map[string]bool{"memory": true, "sql": true, "etcd": true, "consul": true, "file": true}
	validStrategies  = map[string]bool{"memory": true, "database": true}
	validBrokers     = map[string]bool{"local": true, "redis": true}
	validIdemStores  = map[string]bool{"memory": true, "redis": true}
	validLogSinks    = map[string]bool{"log": true, "amqp": true, "none": true}
	validSQLDrivers  = map[string]bool{"sqlite3": true, "pgx": true}
	validHTTPMethods = map[string]bool{
		"GET": true, "HEAD": true, "POST": true, "PUT": true,
		"DELETE": true, "PATCH": true, "OPTIONS": true, "CONNECT": true, "TRACE": true,
	}
)

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listener.Address == "" {
		return fmt.Errorf("listener address is required")
	}
	if cfg.Management.Enabled && cfg.Management.Address == "" {
		return fmt.Errorf("management address is required when enabled")
	}

	if !validStores[cfg.Store.Type] {
		return fmt.Errorf("invalid store type: %s", cfg.Store.Type)
	}
	switch cfg.Store.Type {
	case "sql":
		if !validSQLDrivers[cfg.Store.SQL.Driver] {
			return fmt.Errorf("invalid sql driver: %s", cfg.Store.SQL.Driver)
		}
		if cfg.Store.SQL.DSN == "" {
			return fmt.Errorf("sql store: dsn is required")
		}
	case "etcd":
		if len(cfg.Store.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd store: at least one endpoint is required")
		}
	case "consul":
		if cfg.Store.Consul.Address == "" {
			return fmt.Errorf("consul store: address is required")
		}
	case "file":
		if cfg.Store.File.Path == "" {
			return fmt.Errorf("file store: path is required")
		}
	}

	if !validStrategies[cfg.Cache.Strategy] {
		return fmt.Errorf("invalid cache strategy: %s", cfg.Cache.Strategy)
	}
	if cfg.Cache.RefreshInterval < 0 {
		return fmt.Errorf("cache refresh_interval must be >= 0")
	}
	if !validBrokers[cfg.Cluster.Broker] {
		return fmt.Errorf("invalid cluster broker: %s", cfg.Cluster.Broker)
	}
	if !validIdemStores[cfg.Idempotency.Store] {
		return fmt.Errorf("invalid idempotency store: %s", cfg.Idempotency.Store)
	}
	if !validLogSinks[cfg.RequestLog.Sink] {
		return fmt.Errorf("invalid request_log sink: %s", cfg.RequestLog.Sink)
	}
	if cfg.RequestLog.Sink == "amqp" && cfg.RequestLog.AMQP.URL == "" {
		return fmt.Errorf("request_log amqp: url is required")
	}
	if cfg.Proxy.Timeout <= 0 {
		return fmt.Errorf("proxy timeout must be > 0")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing enabled but endpoint not provided")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample_rate must be between 0 and 1")
	}

	for _, cidr := range cfg.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil && net.ParseIP(cidr) == nil {
			return fmt.Errorf("trusted_proxies: invalid CIDR or IP %q", cidr)
		}
	}

	kinds := make(map[model.PluginKind]bool, len(cfg.Defaults.Plugins))
	for _, p := range cfg.Defaults.Plugins {
		if p.Name == "" {
			return fmt.Errorf("defaults: plugin name is required")
		}
		if p.Name == model.PluginProxy {
			return fmt.Errorf("defaults: the proxy plugin must be configured per api")
		}
		if kinds[p.Name] {
			return fmt.Errorf("defaults: duplicate plugin %s", p.Name)
		}
		kinds[p.Name] = true
	}

	ids := make(map[string]bool, len(cfg.APIs))
	for i := range cfg.APIs {
		api := &cfg.APIs[i]
		if err := api.Validate(); err != nil {
			return err
		}
		if ids[api.ID] {
			return fmt.Errorf("duplicate api id: %s", api.ID)
		}
		ids[api.ID] = true
		for _, m := range api.Request.Methods {
			if !validHTTPMethods[strings.ToUpper(m)] {
				return fmt.Errorf("api %s: invalid method %s", api.ID, m)
			}
		}
	}

	return nil
}

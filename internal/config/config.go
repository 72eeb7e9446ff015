package config

import (
	"time"

	"github.com/wudi/annon/internal/model"
)

// Config is the root gateway configuration.
type Config struct {
	Listener       ListenerConfig    `yaml:"listener"`
	Management     ManagementConfig  `yaml:"management"`
	Logging        LoggingConfig     `yaml:"logging"`
	Store          StoreConfig       `yaml:"store"`
	Cache          CacheConfig       `yaml:"cache"`
	Cluster        ClusterConfig     `yaml:"cluster"`
	Redis          RedisConfig       `yaml:"redis"`
	Proxy          ProxyConfig       `yaml:"proxy"`
	Idempotency    IdempotencyConfig `yaml:"idempotency"`
	RequestLog     RequestLogConfig  `yaml:"request_log"`
	Tracing        TracingConfig     `yaml:"tracing"`
	TrustedProxies []string          `yaml:"trusted_proxies"`
	Defaults       DefaultsConfig    `yaml:"defaults"`
	// APIs seeds the memory and file stores at startup.
	APIs []model.API `yaml:"apis"`
}

// DefaultsConfig lists plugins run for every API that does not configure
// the same kind itself. Listing a kind disabled on an API turns it off there.
type DefaultsConfig struct {
	Plugins []model.PluginConfig `yaml:"plugins"`
}

// ListenerConfig defines the public gateway listener.
type ListenerConfig struct {
	Address           string        `yaml:"address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ManagementConfig defines the listener serving /health and /metrics.
type ManagementConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Format   string            `yaml:"format"`
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // megabytes before rotation
	MaxBackups int  `yaml:"max_backups"` // rotated files to keep
	MaxAge     int  `yaml:"max_age"`     // days to retain rotated files
	Compress   bool `yaml:"compress"`
}

// StoreConfig selects the durable configuration store.
type StoreConfig struct {
	Type   string       `yaml:"type"` // memory, sql, etcd, consul, file
	SQL    SQLConfig    `yaml:"sql"`
	Etcd   EtcdConfig   `yaml:"etcd"`
	Consul ConsulConfig `yaml:"consul"`
	File   FileConfig   `yaml:"file"`
}

// SQLConfig configures the SQL store.
type SQLConfig struct {
	Driver          string        `yaml:"driver"` // sqlite3 or pgx
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EtcdConfig configures the etcd store.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ConsulConfig configures the consul KV store.
type ConsulConfig struct {
	Address    string `yaml:"address"`
	Scheme     string `yaml:"scheme"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token"`
	Prefix     string `yaml:"prefix"`
}

// FileConfig configures the file store.
type FileConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// CacheConfig selects the matcher cache strategy.
type CacheConfig struct {
	Strategy          string        `yaml:"strategy"` // memory or database
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
	CompiledCacheSize int           `yaml:"compiled_cache_size"`
	EventHistory      int           `yaml:"event_history"`
}

// ClusterConfig selects how change events reach other nodes.
type ClusterConfig struct {
	Broker  string `yaml:"broker"` // local or redis
	Channel string `yaml:"channel"`
	NodeID  string `yaml:"node_id"`
}

// RedisConfig defines the shared redis connection.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ProxyConfig defines upstream transport settings.
type ProxyConfig struct {
	Timeout               time.Duration `yaml:"timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	MaxBufferedBody       int64         `yaml:"max_buffered_body"`
}

// IdempotencyConfig selects the idempotency response store.
type IdempotencyConfig struct {
	Store      string `yaml:"store"` // memory or redis
	MaxEntries int    `yaml:"max_entries"`
}

// RequestLogConfig selects where request log records are sent.
type RequestLogConfig struct {
	Sink   string     `yaml:"sink"` // log, amqp, none
	Buffer int        `yaml:"buffer"`
	AMQP   AMQPConfig `yaml:"amqp"`
}

// AMQPConfig configures the AMQP request log sink.
type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// TracingConfig defines OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       90 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Management: ManagementConfig{
			Enabled: true,
			Address: ":8081",
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Store: StoreConfig{
			Type: "memory",
			SQL: SQLConfig{
				Driver:       "sqlite3",
				DSN:          "file:gateway.db?_foreign_keys=on",
				MaxOpenConns: 10,
				MaxIdleConns: 5,
			},
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				Prefix:      "/gateway/apis/",
				DialTimeout: 5 * time.Second,
			},
			Consul: ConsulConfig{
				Address:    "localhost:8500",
				Scheme:     "http",
				Datacenter: "dc1",
				Prefix:     "gateway/apis/",
			},
		},
		Cache: CacheConfig{
			Strategy:          "memory",
			RefreshInterval:   30 * time.Second,
			CompiledCacheSize: 1024,
			EventHistory:      4096,
		},
		Cluster: ClusterConfig{
			Broker:  "local",
			Channel: "gateway:config",
		},
		Redis: RedisConfig{
			Address:     "localhost:6379",
			DialTimeout: 5 * time.Second,
		},
		Proxy: ProxyConfig{
			Timeout:               30 * time.Second,
			DialTimeout:           5 * time.Second,
			MaxIdleConns:          512,
			MaxIdleConnsPerHost:   64,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			MaxBufferedBody:       10 << 20,
		},
		Defaults: DefaultsConfig{
			Plugins: []model.PluginConfig{
				{Name: model.PluginClientLatency, Enabled: true},
				{Name: model.PluginLogger, Enabled: true},
				{Name: model.PluginMonitoring, Enabled: true},
			},
		},
		Idempotency: IdempotencyConfig{
			Store:      "memory",
			MaxEntries: 10000,
		},
		RequestLog: RequestLogConfig{
			Sink:   "log",
			Buffer: 1024,
			AMQP: AMQPConfig{
				Exchange:   "gateway.requests",
				RoutingKey: "request.completed",
			},
		},
		Tracing: TracingConfig{
			ServiceName: "annon-gateway",
			SampleRate:  1.0,
		},
	}
}

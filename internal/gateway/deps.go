package gateway

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/annon/internal/cache"
	"github.com/wudi/annon/internal/cluster"
	"github.com/wudi/annon/internal/config"
	"github.com/wudi/annon/internal/plugins/idempotency"
	"github.com/wudi/annon/internal/requestlog"
	"github.com/wudi/annon/internal/store"
	"github.com/wudi/annon/internal/store/consul"
	"github.com/wudi/annon/internal/store/etcd"
	"github.com/wudi/annon/internal/store/file"
	"github.com/wudi/annon/internal/store/memory"
	"github.com/wudi/annon/internal/store/sqlstore"
)

func newStore(cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	// each constructor is assigned separately so a failed one leaves s nil
	switch store.Type(cfg.Type) {
	case store.TypeMemory:
		s = memory.New()
	case store.TypeSQL:
		var st *sqlstore.Store
		if st, err = sqlstore.New(cfg.SQL, logger); err == nil {
			s = st
		}
	case store.TypeEtcd:
		var st *etcd.Store
		if st, err = etcd.New(cfg.Etcd, logger); err == nil {
			s = st
		}
	case store.TypeConsul:
		var st *consul.Store
		if st, err = consul.New(cfg.Consul, logger); err == nil {
			s = st
		}
	case store.TypeFile:
		var st *file.Store
		if st, err = file.New(cfg.File, logger); err == nil {
			s = st
		}
	default:
		err = fmt.Errorf("unknown store type %q", cfg.Type)
	}
	return s, err
}

func newRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Address, err)
	}
	return client, nil
}

func newBroker(cfg config.ClusterConfig, rdb *redis.Client, logger *zap.Logger) cluster.Broker {
	if cfg.Broker == "redis" {
		return cluster.NewRedis(rdb, cfg.Channel, cfg.NodeID, logger.Named("cluster"))
	}
	return cluster.NewLocal()
}

func newAdapter(cfg config.CacheConfig, s store.Store, compile cache.Compiler, logger *zap.Logger) (cache.Adapter, error) {
	logger = logger.Named("cache")
	if cfg.Strategy == "database" {
		a, err := cache.NewDatabaseAdapter(s, compile, cfg.CompiledCacheSize, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	a, err := cache.NewMemoryAdapter(s, compile, cache.MemoryOptions{
		RefreshInterval:   cfg.RefreshInterval,
		CompiledCacheSize: cfg.CompiledCacheSize,
		EventHistory:      cfg.EventHistory,
	}, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newIdempotencyStore(cfg config.IdempotencyConfig, rdb *redis.Client) idempotency.Store {
	if cfg.Store == "redis" {
		return idempotency.NewRedisStore(rdb, "annon:idem:")
	}
	return idempotency.NewMemoryStore(cfg.MaxEntries)
}

// newSink returns the request log sink, queued so completion hooks never
// wait on the destination.
func newSink(cfg config.RequestLogConfig, onDrop func(), logger *zap.Logger) (*requestlog.Async, error) {
	var next requestlog.Sink
	switch cfg.Sink {
	case "none":
		next = requestlog.Nop{}
	case "amqp":
		a, err := requestlog.NewAMQP(requestlog.AMQPConfig{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
		})
		if err != nil {
			return nil, fmt.Errorf("request log amqp sink: %w", err)
		}
		next = a
	default:
		next = requestlog.NewZap(logger.Named("access"))
	}
	return requestlog.NewAsync(next, requestlog.AsyncConfig{
		QueueSize: cfg.Buffer,
		OnDrop:    onDrop,
	}, logger.Named("request_log")), nil
}

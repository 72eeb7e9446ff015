// Package gateway wires the matcher, the plugin pipeline and the stores
// into the HTTP handler and servers of a gateway node.
package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wudi/annon/internal/cache"
	"github.com/wudi/annon/internal/cluster"
	"github.com/wudi/annon/internal/config"
	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/metrics"
	"github.com/wudi/annon/internal/middleware"
	"github.com/wudi/annon/internal/middleware/realip"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
	"github.com/wudi/annon/internal/plugins"
	"github.com/wudi/annon/internal/plugins/idempotency"
	"github.com/wudi/annon/internal/proxy"
	"github.com/wudi/annon/internal/requestlog"
	"github.com/wudi/annon/internal/router"
	"github.com/wudi/annon/internal/store"
	"github.com/wudi/annon/internal/tracing"
)

// Gateway is one gateway node: it resolves requests to APIs, runs their
// plugin chains and keeps its matcher current from change events.
type Gateway struct {
	cfg    *config.Config
	logger *zap.Logger

	store    store.Store
	broker   cluster.Broker
	adapter  cache.Adapter
	plugins  *plugins.Set
	executor *pipeline.Executor
	sink     *requestlog.Async
	metrics  *metrics.Collector
	tracer   *tracing.Tracer
	realIP   *realip.Resolver
	redis    *redis.Client
	idem     idempotency.Store

	// seeded holds the ids of APIs that came from the config file.
	seedMu sync.Mutex
	seeded map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a gateway from cfg, seeds the store with cfg.APIs and loads
// the matcher. Background watches run until Close.
func New(cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(),
		seeded:  make(map[string]bool),
	}
	if err := g.init(); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) init() error {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	cfg := g.cfg

	var err error
	if g.realIP, err = realip.New(cfg.TrustedProxies); err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	if g.tracer, err = tracing.New(cfg.Tracing); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if cfg.Cluster.Broker == "redis" || cfg.Idempotency.Store == "redis" {
		if g.redis, err = newRedis(ctx, cfg.Redis); err != nil {
			return err
		}
	}
	if g.store, err = newStore(cfg.Store, g.logger.Named("store")); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if g.sink, err = newSink(cfg.RequestLog, g.metrics.RecordLogDropped, g.logger); err != nil {
		return err
	}

	idem := newIdempotencyStore(cfg.Idempotency, g.redis)
	g.idem = idem
	g.plugins = plugins.New(plugins.Deps{
		Forwarder: proxy.New(proxy.Config{
			Transport:      proxy.NewTransport(proxy.TransportConfigFrom(cfg.Proxy)),
			DefaultTimeout: cfg.Proxy.Timeout,
			PropagateTrace: g.tracer.Enabled(),
		}),
		IdempotencyStore: idem,
		Sink:             g.sink,
		Metrics:          g.metrics,
		Logger:           g.logger.Named("plugins"),
	})
	g.executor = pipeline.NewExecutor(g.logger.Named("pipeline"))
	if err := plugins.ValidateDefaults(cfg.Defaults.Plugins); err != nil {
		return fmt.Errorf("default plugins: %w", err)
	}

	if err := g.seed(ctx, cfg.APIs); err != nil {
		return err
	}
	if g.adapter, err = newAdapter(cfg.Cache, g.store, g.compile, g.logger); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := g.adapter.Init(ctx); err != nil {
		return fmt.Errorf("cache init: %w", err)
	}
	g.metrics.SetAPIsIndexed(g.adapter.Stats().APIs)

	g.broker = newBroker(cfg.Cluster, g.redis, g.logger)
	if err := g.broker.Subscribe(ctx, g.apply); err != nil {
		return fmt.Errorf("cluster subscribe: %w", err)
	}
	if w, ok := g.store.(store.Watcher); ok {
		events, err := w.Watch(ctx)
		if err != nil {
			return fmt.Errorf("store watch: %w", err)
		}
		g.wg.Add(1)
		go g.forward(ctx, events)
	}
	return nil
}

// forward relays store change notifications to the broker so every node
// applies them.
func (g *Gateway) forward(ctx context.Context, events <-chan model.ChangeEvent) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.publish(ctx, ev)
		}
	}
}

func (g *Gateway) publish(ctx context.Context, ev model.ChangeEvent) {
	if err := g.broker.Publish(ctx, ev); err != nil {
		g.logger.Warn("change event not published",
			zap.String("event_id", ev.ID),
			zap.String("api_id", ev.APIID),
			zap.Error(err),
		)
	}
}

// compile builds the chain of api with the default plugins it does not
// configure itself.
func (g *Gateway) compile(api *model.API) ([]pipeline.Stage, error) {
	return g.plugins.Stages(api.WithDefaults(g.cfg.Defaults.Plugins))
}

func (g *Gateway) apply(ctx context.Context, ev model.ChangeEvent) {
	err := g.adapter.ConfigChange(ctx, ev)
	g.metrics.RecordConfigEvent(string(ev.Type), err)
	if err != nil {
		g.logger.Error("change event failed",
			zap.String("event_id", ev.ID),
			zap.String("type", string(ev.Type)),
			zap.String("api_id", ev.APIID),
			zap.Error(err),
		)
		return
	}
	g.metrics.SetAPIsIndexed(g.adapter.Stats().APIs)
	g.logger.Debug("change event applied",
		zap.String("type", string(ev.Type)),
		zap.String("api_id", ev.APIID),
		zap.Int64("version", ev.Version),
	)
}

// Store returns the configuration store. Writes made through it reach the
// matcher by the store watch or, for stores that cannot watch, by Publish.
func (g *Gateway) Store() store.Store {
	return g.store
}

// Publish sends ev to every node through the broker.
func (g *Gateway) Publish(ctx context.Context, ev model.ChangeEvent) error {
	return g.broker.Publish(ctx, ev)
}

// Metrics returns the node's collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return middleware.NewChain(
		middleware.RequestID(true),
		g.realIP.Middleware,
		middleware.Recovery(g.logger.Named("http"), func() { g.metrics.RecordPanic("http") }),
		g.tracer.Middleware(),
	).Then(http.HandlerFunc(g.serveHTTP))
}

func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.RequestIDFromContext(r.Context())

	match, err := g.adapter.MatchRequest(r.Context(), router.FromHTTP(r))
	if err != nil {
		ge, ok := errors.As(err)
		if !ok {
			g.logger.Error("match failed", zap.String("request_id", requestID), zap.Error(err))
			ge = errors.ErrInternalServer.WithCause(err)
		}
		ge.WithRequestID(requestID).WriteJSON(w)
		return
	}

	ctx, span := g.tracer.StartSpan(r.Context(), "pipeline",
		attribute.String("annon.api.id", match.API.ID),
		attribute.Int64("annon.api.version", match.API.Version),
	)
	defer span.End()

	c := pipeline.NewContext(r.WithContext(ctx), match.API)
	c.Params = match.Params
	c.PrefixSegments = match.PrefixSegments
	c.RequestID = requestID
	c.ClientIP = realip.FromContext(r.Context())
	c.Logger = g.logger.With(
		zap.String("request_id", requestID),
		zap.String("api_id", match.API.ID),
	)

	g.executor.Execute(c, match.Stages)
	if c.HaltedBy != "" {
		span.SetAttributes(attribute.String("annon.halted_by", string(c.HaltedBy)))
	}
	g.write(w, c)
	g.executor.Complete(c)
}

// write sends the final response. Streams are copied as they arrive.
func (g *Gateway) write(w http.ResponseWriter, c *pipeline.Context) {
	resp := c.Response
	defer resp.Close()

	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = vs
	}
	if h.Get(middleware.RequestIDHeader) == "" {
		h.Set(middleware.RequestIDHeader, c.RequestID)
	}
	w.WriteHeader(resp.Status)

	if c.Request.Method == http.MethodHead {
		return
	}
	if resp.Stream == nil {
		w.Write(resp.Body)
		return
	}
	if _, err := io.Copy(flushWriter{w}, resp.Stream); err != nil {
		c.Logger.Debug("response stream interrupted", zap.Error(err))
	}
}

type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}

// Stats describes the node for the health endpoint.
type Stats struct {
	Cache      cache.Stats           `json:"cache"`
	RequestLog requestlog.AsyncStats `json:"request_log"`
	RealIP     realip.Stats          `json:"real_ip"`
}

// Stats returns the node state.
func (g *Gateway) Stats() Stats {
	return Stats{
		Cache:      g.adapter.Stats(),
		RequestLog: g.sink.Stats(),
		RealIP:     g.realIP.Stats(),
	}
}

// Ping checks the shared redis connection, if any.
func (g *Gateway) Ping(ctx context.Context) error {
	if g.redis == nil {
		return nil
	}
	return g.redis.Ping(ctx).Err()
}

// Close stops background work and releases every resource. Pending
// request log records are flushed first.
func (g *Gateway) Close() error {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()

	var errs []error
	closeAll := func(name string, c io.Closer) {
		if c == nil {
			return
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if g.broker != nil {
		closeAll("broker", g.broker)
	}
	if g.adapter != nil {
		closeAll("cache", g.adapter)
	}
	if g.plugins != nil {
		closeAll("plugins", g.plugins)
	}
	if g.sink != nil {
		closeAll("request log", g.sink)
	}
	if g.idem != nil {
		closeAll("idempotency", g.idem)
	}
	if g.store != nil {
		closeAll("store", g.store)
	}
	if g.redis != nil {
		closeAll("redis", g.redis)
	}
	if g.tracer != nil {
		if err := g.tracer.Close(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	return stderrors.Join(errs...)
}

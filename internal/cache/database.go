package cache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/router"
	"github.com/wudi/annon/internal/store"
)

// DatabaseAdapter queries the store for every request. It is always
// consistent with the store at the cost of one lookup per request.
type DatabaseAdapter struct {
	store    store.Store
	compiled *compiledCache
	logger   *zap.Logger

	// stats are written on every request, so they avoid a lock
	lastQuery atomic.Int64 // unix nanoseconds
	lastErr   atomic.Pointer[string]
	lastCount atomic.Int64
}

// NewDatabaseAdapter creates a query-per-request adapter
func NewDatabaseAdapter(s store.Store, compile Compiler, compiledSize int, logger *zap.Logger) (*DatabaseAdapter, error) {
	cc, err := newCompiledCache(compile, compiledSize)
	if err != nil {
		return nil, err
	}
	return &DatabaseAdapter{store: s, compiled: cc, logger: logger}, nil
}

// Init checks that the store is reachable.
func (a *DatabaseAdapter) Init(ctx context.Context) error {
	apis, err := a.store.List(ctx)
	a.record(len(apis), err)
	return err
}

// MatchRequest loads the candidate APIs for the request host and resolves
// against them.
func (a *DatabaseAdapter) MatchRequest(ctx context.Context, req *router.Request) (*Match, error) {
	apis, err := a.store.FindByHost(ctx, req.Host)
	a.record(len(apis), err)
	if err != nil {
		return nil, errors.ErrInternalServer.WithDetails("configuration store unavailable").WithCause(err)
	}

	routes := make([]*router.Route[*entry], 0, len(apis))
	for _, api := range apis {
		r, err := a.compiled.route(api)
		if err != nil {
			a.logger.Error("skipping api that failed to compile", zap.String("api_id", api.ID), zap.Error(err))
			continue
		}
		routes = append(routes, r)
	}

	m, err := router.Build(routes).Resolve(req)
	if err != nil {
		return nil, err
	}
	return toMatch(m), nil
}

// ConfigChange drops compiled chains of the changed API. The next request
// reads the new definition from the store.
func (a *DatabaseAdapter) ConfigChange(ctx context.Context, ev model.ChangeEvent) error {
	if ev.Type == model.ChangeReload {
		a.compiled.lru.Purge()
		return nil
	}
	if ev.Type == model.ChangeDelete {
		a.compiled.forget(ev.APIID)
		return nil
	}
	for _, k := range a.compiled.lru.Keys() {
		if k.id == ev.APIID && k.version < ev.Version {
			a.compiled.lru.Remove(k)
		}
	}
	return nil
}

var noError = ""

func (a *DatabaseAdapter) record(n int, err error) {
	a.lastQuery.Store(time.Now().UnixNano())
	if err != nil {
		msg := err.Error()
		a.lastErr.Store(&msg)
		return
	}
	a.lastErr.Store(&noError)
	a.lastCount.Store(int64(n))
}

// Stats reports the last store query
func (a *DatabaseAdapter) Stats() Stats {
	st := Stats{Strategy: "database", APIs: int(a.lastCount.Load())}
	if ns := a.lastQuery.Load(); ns != 0 {
		st.LastRefresh = time.Unix(0, ns)
	}
	if msg := a.lastErr.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}

// Close is a no-op; the store is owned by the caller.
func (a *DatabaseAdapter) Close() error {
	return nil
}

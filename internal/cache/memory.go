package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/router"
	"github.com/wudi/annon/internal/store"
)

type snapshot struct {
	ix   *router.Index[*entry]
	byID map[string]*router.Route[*entry]
}

func emptySnapshot() *snapshot {
	return &snapshot{
		ix:   router.Build[*entry](nil),
		byID: map[string]*router.Route[*entry]{},
	}
}

// MemoryOptions tunes a MemoryAdapter.
type MemoryOptions struct {
	// RefreshInterval rebuilds the index from the store periodically so
	// missed events are eventually repaired. Zero disables it.
	RefreshInterval   time.Duration
	CompiledCacheSize int
	// EventHistory is the number of applied event ids remembered to drop
	// redeliveries.
	EventHistory int
}

// MemoryAdapter serves matches from an in-memory index. Readers never
// block: writers build a new snapshot and swap it in.
type MemoryAdapter struct {
	store    store.Store
	compiled *compiledCache
	logger   *zap.Logger
	opts     MemoryOptions

	snap    atomic.Pointer[snapshot]
	mu      sync.Mutex // serializes writers
	applied *lru.Cache[string, struct{}]

	statsMu     sync.Mutex
	lastRefresh time.Time
	lastErr     string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryAdapter creates an adapter over s. Init must be called before
// use.
func NewMemoryAdapter(s store.Store, compile Compiler, opts MemoryOptions, logger *zap.Logger) (*MemoryAdapter, error) {
	cc, err := newCompiledCache(compile, opts.CompiledCacheSize)
	if err != nil {
		return nil, err
	}
	if opts.EventHistory <= 0 {
		opts.EventHistory = 4096
	}
	applied, err := lru.New[string, struct{}](opts.EventHistory)
	if err != nil {
		return nil, err
	}
	a := &MemoryAdapter{
		store:    s,
		compiled: cc,
		logger:   logger,
		opts:     opts,
		applied:  applied,
	}
	a.snap.Store(emptySnapshot())
	return a, nil
}

// Init loads every API and starts the refresh loop.
func (a *MemoryAdapter) Init(ctx context.Context) error {
	if err := a.Refresh(ctx); err != nil {
		return err
	}
	if a.opts.RefreshInterval > 0 {
		loopCtx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.wg.Add(1)
		go a.refreshLoop(loopCtx)
	}
	return nil
}

func (a *MemoryAdapter) refreshLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.MaxInterval = a.opts.RefreshInterval
		bo.MaxElapsedTime = a.opts.RefreshInterval
		err := backoff.Retry(func() error {
			return a.Refresh(ctx)
		}, backoff.WithContext(bo, ctx))
		if err != nil && ctx.Err() == nil {
			a.logger.Warn("periodic refresh failed, serving last snapshot", zap.Error(err))
		}
	}
}

// Refresh rebuilds the index from a full listing. APIs that fail to compile
// are skipped and logged; the rest are served.
func (a *MemoryAdapter) Refresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshLocked(ctx)
}

// refreshLocked holds the writer lock across the listing so a change
// applied concurrently cannot be overwritten by an older listing.
func (a *MemoryAdapter) refreshLocked(ctx context.Context) error {
	apis, err := a.store.List(ctx)
	if err != nil {
		a.recordErr(err)
		return err
	}

	routes := make([]*router.Route[*entry], 0, len(apis))
	byID := make(map[string]*router.Route[*entry], len(apis))
	for _, api := range apis {
		r, err := a.compiled.route(api)
		if err != nil {
			a.logger.Error("skipping api that failed to compile", zap.String("api_id", api.ID), zap.Error(err))
			continue
		}
		routes = append(routes, r)
		byID[api.ID] = r
	}
	for id := range a.snap.Load().byID {
		if _, ok := byID[id]; !ok {
			a.compiled.forget(id)
		}
	}
	a.snap.Store(&snapshot{ix: router.Build(routes), byID: byID})

	a.statsMu.Lock()
	a.lastRefresh = time.Now()
	a.lastErr = ""
	a.statsMu.Unlock()
	return nil
}

// MatchRequest resolves req against the current snapshot.
func (a *MemoryAdapter) MatchRequest(ctx context.Context, req *router.Request) (*Match, error) {
	m, err := a.snap.Load().ix.Resolve(req)
	if err != nil {
		return nil, err
	}
	return toMatch(m), nil
}

// ConfigChange applies ev. The store is read back so that events arriving
// out of order or more than once converge on the stored state.
func (a *MemoryAdapter) ConfigChange(ctx context.Context, ev model.ChangeEvent) error {
	if ev.ID != "" {
		if ok, _ := a.applied.ContainsOrAdd(ev.ID, struct{}{}); ok {
			return nil
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.Type == model.ChangeReload || ev.APIID == "" {
		return a.refreshLocked(ctx)
	}

	// an equal version may be a deleted API created again, so only
	// strictly older events are dropped without reading the store
	if ev.Type != model.ChangeDelete {
		if cur, ok := a.snap.Load().byID[ev.APIID]; ok && ev.Version < cur.API.Version {
			return nil
		}
	}

	api, err := a.store.Get(ctx, ev.APIID)
	switch {
	case err == store.ErrNotFound:
		a.remove(ev.APIID)
		return nil
	case err != nil:
		a.recordErr(err)
		if ev.ID != "" {
			a.applied.Remove(ev.ID)
		}
		return err
	}

	r, err := a.compiled.route(api)
	if err != nil {
		a.logger.Error("change event not applied, api failed to compile",
			zap.String("api_id", api.ID), zap.Int64("version", api.Version), zap.Error(err))
		return err
	}
	a.upsert(r)
	return nil
}

// upsert and remove must be called with a.mu held.
func (a *MemoryAdapter) upsert(r *router.Route[*entry]) {
	cur := a.snap.Load()
	old, ok := cur.byID[r.API.ID]
	if ok && old == r {
		return
	}

	updates := make(map[string]*router.Fragment[*entry], 2)
	if ok && old.API.NormalizedHost() != r.API.NormalizedHost() {
		h := old.API.NormalizedHost()
		if f, found := cur.ix.Fragment(h); found {
			updates[h] = f.Without(r.API.ID)
		}
	}
	h := r.API.NormalizedHost()
	if f, found := cur.ix.Fragment(h); found {
		updates[h] = f.With(r)
	} else {
		updates[h] = router.NewFragment(h, []*router.Route[*entry]{r})
	}

	byID := make(map[string]*router.Route[*entry], len(cur.byID)+1)
	for id, v := range cur.byID {
		byID[id] = v
	}
	byID[r.API.ID] = r
	a.snap.Store(&snapshot{ix: cur.ix.Replace(updates), byID: byID})

	a.logger.Debug("api applied", zap.String("api_id", r.API.ID), zap.Int64("version", r.API.Version))
}

func (a *MemoryAdapter) remove(id string) {
	a.compiled.forget(id)

	cur := a.snap.Load()
	old, ok := cur.byID[id]
	if !ok {
		return
	}
	h := old.API.NormalizedHost()
	updates := map[string]*router.Fragment[*entry]{}
	if f, found := cur.ix.Fragment(h); found {
		updates[h] = f.Without(id)
	}

	byID := make(map[string]*router.Route[*entry], len(cur.byID))
	for k, v := range cur.byID {
		if k != id {
			byID[k] = v
		}
	}
	a.snap.Store(&snapshot{ix: cur.ix.Replace(updates), byID: byID})

	a.logger.Debug("api removed", zap.String("api_id", id))
}

func (a *MemoryAdapter) recordErr(err error) {
	a.statsMu.Lock()
	a.lastErr = err.Error()
	a.statsMu.Unlock()
}

// Stats reports the indexed API count and the last refresh.
func (a *MemoryAdapter) Stats() Stats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return Stats{
		Strategy:    "memory",
		APIs:        a.snap.Load().ix.Len(),
		LastRefresh: a.lastRefresh,
		LastError:   a.lastErr,
	}
}

// Close stops the refresh loop.
func (a *MemoryAdapter) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return nil
}

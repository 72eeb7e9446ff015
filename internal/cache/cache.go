// Package cache resolves requests to configured APIs. Two adapters are
// provided: DatabaseAdapter asks the store on every request, MemoryAdapter
// serves from an in-memory index kept current by change events.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
	"github.com/wudi/annon/internal/router"
)

// Adapter is the configuration matcher used by the gateway handler.
type Adapter interface {
	// Init loads the initial state.
	Init(ctx context.Context) error
	// MatchRequest resolves req to an API and its compiled chain, or
	// returns errors.ErrNotFound.
	MatchRequest(ctx context.Context, req *router.Request) (*Match, error)
	// ConfigChange applies a change event. Applying the same event twice
	// has no further effect.
	ConfigChange(ctx context.Context, ev model.ChangeEvent) error
	// Stats reports the adapter state for health checks.
	Stats() Stats
	Close() error
}

// Match is a resolved request.
type Match struct {
	API            *model.API
	Stages         []pipeline.Stage
	Params         map[string]string
	PrefixSegments int
}

// Stats describes an adapter.
type Stats struct {
	Strategy    string    `json:"strategy"`
	APIs        int       `json:"apis"`
	LastRefresh time.Time `json:"last_refresh,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Compiler builds the plugin chain of an API.
type Compiler func(api *model.API) ([]pipeline.Stage, error)

// entry is the compiled form of an API stored in the index.
type entry struct {
	stages []pipeline.Stage
}

func toMatch(m router.Match[*entry]) *Match {
	return &Match{
		API:            m.Route.API,
		Stages:         m.Route.Value.stages,
		Params:         m.Params,
		PrefixSegments: m.PrefixSegments,
	}
}

// compiledKey identifies one definition of an API. Versions restart when
// an API is deleted and created again, so the content sum is part of the key.
type compiledKey struct {
	id      string
	version int64
	sum     uint64
}

func keyOf(api *model.API) (compiledKey, error) {
	b, err := json.Marshal(api)
	if err != nil {
		return compiledKey{}, err
	}
	return compiledKey{id: api.ID, version: api.Version, sum: xxhash.Sum64(b)}, nil
}

// compiledCache memoizes compiled routes per API definition so settings
// are not recompiled for every request or every rebuild.
type compiledCache struct {
	compile Compiler
	lru     *lru.Cache[compiledKey, *router.Route[*entry]]
}

func newCompiledCache(compile Compiler, size int) (*compiledCache, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[compiledKey, *router.Route[*entry]](size)
	if err != nil {
		return nil, err
	}
	return &compiledCache{compile: compile, lru: c}, nil
}

// route returns the compiled route for api, compiling it on first use.
func (c *compiledCache) route(api *model.API) (*router.Route[*entry], error) {
	key, err := keyOf(api)
	if err != nil {
		return nil, fmt.Errorf("compile api %s: %w", api.ID, err)
	}
	if r, ok := c.lru.Get(key); ok {
		return r, nil
	}
	stages, err := c.compile(api)
	if err != nil {
		return nil, fmt.Errorf("compile api %s: %w", api.ID, err)
	}
	r, err := router.NewRoute(api, &entry{stages: stages})
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, r)
	return r, nil
}

// forget drops every compiled definition of id.
func (c *compiledCache) forget(id string) {
	for _, k := range c.lru.Keys() {
		if k.id == id {
			c.lru.Remove(k)
		}
	}
}

// Package consul implements the API store on the Consul KV store. Changes
// are observed with blocking queries on the key prefix.
package consul

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/wudi/annon/internal/config"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/store"
)

// ErrConflict is returned when a check-and-set write lost a race.
var ErrConflict = errors.New("concurrent api write")

// Store implements store.Store and store.Watcher using Consul KV
type Store struct {
	kv         *consulapi.KV
	prefix     string
	datacenter string
	logger     *zap.Logger
	retryDelay time.Duration
}

// New creates a new Consul store
func New(cfg config.ConsulConfig, logger *zap.Logger) (*Store, error) {
	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = cfg.Address
	consulCfg.Scheme = cfg.Scheme
	consulCfg.Datacenter = cfg.Datacenter
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	// Test connection
	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect to Consul: %w", err)
	}

	prefix := strings.TrimPrefix(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "gateway/apis/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{
		kv:         client.KV(),
		prefix:     prefix,
		datacenter: cfg.Datacenter,
		logger:     logger,
		retryDelay: 5 * time.Second,
	}, nil
}

func (s *Store) queryOptions(ctx context.Context) *consulapi.QueryOptions {
	return (&consulapi.QueryOptions{Datacenter: s.datacenter}).WithContext(ctx)
}

// List returns every API under the prefix
func (s *Store) List(ctx context.Context) ([]*model.API, error) {
	pairs, _, err := s.kv.List(s.prefix, s.queryOptions(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return s.decodePairs(pairs), nil
}

func (s *Store) decodePairs(pairs consulapi.KVPairs) []*model.API {
	apis := make([]*model.API, 0, len(pairs))
	for _, p := range pairs {
		a, err := decode(p.Value)
		if err != nil {
			s.logger.Warn("skipping undecodable api", zap.String("key", p.Key), zap.Error(err))
			continue
		}
		apis = append(apis, a)
	}
	store.SortByID(apis)
	return apis
}

// Get returns one API
func (s *Store) Get(ctx context.Context, id string) (*model.API, error) {
	pair, _, err := s.kv.Get(s.prefix+id, s.queryOptions(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if pair == nil {
		return nil, store.ErrNotFound
	}
	return decode(pair.Value)
}

// FindByHost lists the prefix and filters by host
func (s *Store) FindByHost(ctx context.Context, host string) ([]*model.API, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return store.FilterByHost(all, host), nil
}

// Put writes api with the next version using check-and-set.
func (s *Store) Put(ctx context.Context, api *model.API) (model.ChangeEvent, error) {
	if err := api.Validate(); err != nil {
		return model.ChangeEvent{}, err
	}
	key := s.prefix + api.ID
	pair, _, err := s.kv.Get(key, s.queryOptions(ctx))
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	a := api.Clone()
	typ := model.ChangeInsert
	var modifyIndex uint64
	if pair != nil {
		prev, err := decode(pair.Value)
		if err != nil {
			return model.ChangeEvent{}, err
		}
		typ = model.ChangeUpdate
		a.Version = prev.Version + 1
		modifyIndex = pair.ModifyIndex
	} else if a.Version == 0 {
		a.Version = 1
	}

	data, err := json.Marshal(a)
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("encode api %s: %w", a.ID, err)
	}
	wo := (&consulapi.WriteOptions{Datacenter: s.datacenter}).WithContext(ctx)
	ok, _, err := s.kv.CAS(&consulapi.KVPair{Key: key, Value: data, ModifyIndex: modifyIndex}, wo)
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if !ok {
		return model.ChangeEvent{}, ErrConflict
	}

	api.Version = a.Version
	return model.NewChangeEvent(typ, a), nil
}

// Delete removes an API
func (s *Store) Delete(ctx context.Context, id string) (model.ChangeEvent, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return model.ChangeEvent{}, err
	}
	wo := (&consulapi.WriteOptions{Datacenter: s.datacenter}).WithContext(ctx)
	if _, err := s.kv.Delete(s.prefix+id, wo); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	a.Version++
	return model.NewChangeEvent(model.ChangeDelete, a), nil
}

// Watch performs blocking queries on the prefix and emits one event per
// API that was added, changed or removed between two snapshots.
func (s *Store) Watch(ctx context.Context) (<-chan model.ChangeEvent, error) {
	ch := make(chan model.ChangeEvent, 64)

	go func() {
		defer close(ch)

		var lastIndex uint64
		var known map[string]*model.API
		for {
			if ctx.Err() != nil {
				return
			}
			qo := &consulapi.QueryOptions{
				Datacenter: s.datacenter,
				WaitIndex:  lastIndex,
				WaitTime:   30 * time.Second,
			}
			pairs, meta, err := s.kv.List(s.prefix, qo.WithContext(ctx))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("consul watch failed", zap.Error(err))
				select {
				case <-time.After(s.retryDelay):
				case <-ctx.Done():
					return
				}
				continue
			}

			// Index went backwards (snapshot restore): start over.
			if meta.LastIndex < lastIndex {
				lastIndex = 0
				continue
			}
			if meta.LastIndex == lastIndex {
				continue
			}
			lastIndex = meta.LastIndex

			current := store.IndexByID(s.decodePairs(pairs))
			if known != nil {
				for _, ev := range store.Diff(known, current) {
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
			known = current
		}
	}()
	return ch, nil
}

// Close is a no-op; the consul client holds no persistent connection.
func (s *Store) Close() error {
	return nil
}

func decode(b []byte) (*model.API, error) {
	var a model.API
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("decode api: %w", err)
	}
	return &a, nil
}

// Package etcd implements the API store on etcd. Writes by any node are
// observed through an etcd watch on the key prefix.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/wudi/annon/internal/config"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/store"
)

// ErrConflict is returned when a concurrent writer changed the API between
// the read and the write of a Put.
var ErrConflict = errors.New("concurrent api write")

// Store implements store.Store and store.Watcher using etcd
type Store struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger
}

// New creates a new etcd store
func New(cfg config.EtcdConfig, logger *zap.Logger) (*Store, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	}
	if cfg.Username != "" {
		etcdCfg.Username = cfg.Username
		etcdCfg.Password = cfg.Password
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return NewFromClient(client, cfg.Prefix, logger), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *clientv3.Client, prefix string, logger *zap.Logger) *Store {
	if prefix == "" {
		prefix = "/gateway/apis/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{client: client, prefix: prefix, logger: logger}
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// List returns every API under the prefix
func (s *Store) List(ctx context.Context) ([]*model.API, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	apis := make([]*model.API, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		a, err := decode(kv.Value)
		if err != nil {
			s.logger.Warn("skipping undecodable api", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		apis = append(apis, a)
	}
	store.SortByID(apis)
	return apis, nil
}

// Get returns one API
func (s *Store) Get(ctx context.Context, id string) (*model.API, error) {
	resp, err := s.client.Get(ctx, s.key(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, store.ErrNotFound
	}
	return decode(resp.Kvs[0].Value)
}

// FindByHost lists the prefix and filters by host; etcd has no secondary
// index.
func (s *Store) FindByHost(ctx context.Context, host string) ([]*model.API, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return store.FilterByHost(all, host), nil
}

// Put writes api with the next version. The write is conditional on the
// key not having changed since it was read.
func (s *Store) Put(ctx context.Context, api *model.API) (model.ChangeEvent, error) {
	if err := api.Validate(); err != nil {
		return model.ChangeEvent{}, err
	}
	key := s.key(api.ID)

	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	a := api.Clone()
	typ := model.ChangeInsert
	var cmp clientv3.Cmp
	if len(resp.Kvs) > 0 {
		prev, err := decode(resp.Kvs[0].Value)
		if err != nil {
			return model.ChangeEvent{}, err
		}
		typ = model.ChangeUpdate
		a.Version = prev.Version + 1
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision)
	} else {
		if a.Version == 0 {
			a.Version = 1
		}
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	}

	data, err := json.Marshal(a)
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("encode api %s: %w", a.ID, err)
	}
	txn, err := s.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, string(data))).Commit()
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if !txn.Succeeded {
		return model.ChangeEvent{}, ErrConflict
	}

	api.Version = a.Version
	return model.NewChangeEvent(typ, a), nil
}

// Delete removes an API
func (s *Store) Delete(ctx context.Context, id string) (model.ChangeEvent, error) {
	resp, err := s.client.Delete(ctx, s.key(id), clientv3.WithPrevKV())
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if resp.Deleted == 0 || len(resp.PrevKvs) == 0 {
		return model.ChangeEvent{}, store.ErrNotFound
	}
	a, err := decode(resp.PrevKvs[0].Value)
	if err != nil {
		a = &model.API{ID: id}
	}
	a.Version++
	return model.NewChangeEvent(model.ChangeDelete, a), nil
}

// Watch streams change events for every write under the prefix. The
// channel closes when ctx is done or the watch fails permanently.
func (s *Store) Watch(ctx context.Context) (<-chan model.ChangeEvent, error) {
	ch := make(chan model.ChangeEvent, 64)
	watchCh := s.client.Watch(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithPrevKV())

	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-watchCh:
				if !ok {
					return
				}
				if err := resp.Err(); err != nil {
					s.logger.Warn("etcd watch error", zap.Error(err))
					// Compaction or leader loss: ask for a full reload.
					if !send(ctx, ch, model.NewChangeEvent(model.ChangeReload, nil)) {
						return
					}
					continue
				}
				for _, ev := range resp.Events {
					ce, ok := s.toChangeEvent(ev)
					if !ok {
						continue
					}
					if !send(ctx, ch, ce) {
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

func (s *Store) toChangeEvent(ev *clientv3.Event) (model.ChangeEvent, bool) {
	id := strings.TrimPrefix(string(ev.Kv.Key), s.prefix)
	switch ev.Type {
	case clientv3.EventTypePut:
		a, err := decode(ev.Kv.Value)
		if err != nil {
			s.logger.Warn("skipping undecodable api", zap.String("id", id), zap.Error(err))
			return model.ChangeEvent{}, false
		}
		typ := model.ChangeUpdate
		if ev.IsCreate() {
			typ = model.ChangeInsert
		}
		return model.NewChangeEvent(typ, a), true
	case clientv3.EventTypeDelete:
		a := &model.API{ID: id}
		if ev.PrevKv != nil {
			if prev, err := decode(ev.PrevKv.Value); err == nil {
				a = prev
			}
		}
		a.Version++
		return model.NewChangeEvent(model.ChangeDelete, a), true
	}
	return model.ChangeEvent{}, false
}

func send(ctx context.Context, ch chan<- model.ChangeEvent, ev model.ChangeEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close closes the etcd client
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(b []byte) (*model.API, error) {
	var a model.API
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("decode api: %w", err)
	}
	return &a, nil
}

// Package memory implements an in-process API store. It is used for
// single-node deployments seeded from the gateway config and in tests.
package memory

import (
	"context"
	"sync"

	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/store"
)

// Store implements store.Store and store.Watcher in memory.
type Store struct {
	apis     map[string]*model.API
	watchers []chan model.ChangeEvent
	mu       sync.RWMutex
	closed   bool
}

// New creates an empty store
func New() *Store {
	return &Store{apis: make(map[string]*model.API)}
}

// Seed loads apis without emitting events.
func (s *Store) Seed(apis []model.API) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range apis {
		a := apis[i].Clone()
		if a.Version == 0 {
			a.Version = 1
		}
		s.apis[a.ID] = a
	}
}

// List returns every stored API
func (s *Store) List(ctx context.Context) ([]*model.API, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.API, 0, len(s.apis))
	for _, a := range s.apis {
		out = append(out, a.Clone())
	}
	store.SortByID(out)
	return out, nil
}

// Get returns one API
func (s *Store) Get(ctx context.Context, id string) (*model.API, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.apis[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a.Clone(), nil
}

// FindByHost returns the APIs that can match host
func (s *Store) FindByHost(ctx context.Context, host string) ([]*model.API, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return store.FilterByHost(all, host), nil
}

// Put stores api with the next version
func (s *Store) Put(ctx context.Context, api *model.API) (model.ChangeEvent, error) {
	if err := api.Validate(); err != nil {
		return model.ChangeEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := api.Clone()
	typ := model.ChangeInsert
	if prev, ok := s.apis[a.ID]; ok {
		typ = model.ChangeUpdate
		a.Version = prev.Version + 1
	} else if a.Version == 0 {
		a.Version = 1
	}
	s.apis[a.ID] = a
	api.Version = a.Version

	ev := model.NewChangeEvent(typ, a)
	s.notify(ev)
	return ev, nil
}

// Delete removes an API
func (s *Store) Delete(ctx context.Context, id string) (model.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.apis[id]
	if !ok {
		return model.ChangeEvent{}, store.ErrNotFound
	}
	delete(s.apis, id)

	gone := a.Clone()
	gone.Version++
	ev := model.NewChangeEvent(model.ChangeDelete, gone)
	s.notify(ev)
	return ev, nil
}

// Watch subscribes to writes made through this store.
func (s *Store) Watch(ctx context.Context) (<-chan model.ChangeEvent, error) {
	ch := make(chan model.ChangeEvent, 16)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, nil
	}
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

// notify sends ev to every watcher. Must hold s.mu.
func (s *Store) notify(ev model.ChangeEvent) {
	for _, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
			// Slow watcher; the periodic refresh catches up.
		}
	}
}

// Close closes all watchers
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, ch := range s.watchers {
		close(ch)
	}
	s.watchers = nil
	return nil
}

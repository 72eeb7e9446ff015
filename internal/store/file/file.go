// Package file implements the API store on a YAML document on disk:
//
//	apis:
//	  - id: orders
//	    request: {host: shop.example.com, path: /orders}
//	    upstream: {host: orders.internal, port: 8080}
//
// Edits made to the file by other processes are observed with fsnotify.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/wudi/annon/internal/config"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/store"
)

type document struct {
	APIs []model.API `yaml:"apis"`
}

// Store implements store.Store and store.Watcher on a YAML file
type Store struct {
	path     string
	logger   *zap.Logger
	debounce time.Duration

	mu   sync.RWMutex
	apis map[string]*model.API
}

// New loads the file at cfg.Path. A missing file is treated as empty and
// created on the first write.
func New(cfg config.FileConfig, logger *zap.Logger) (*Store, error) {
	s := &Store{
		path:     cfg.Path,
		logger:   logger,
		debounce: 200 * time.Millisecond,
		apis:     make(map[string]*model.API),
	}
	apis, err := s.read()
	if err != nil {
		return nil, err
	}
	s.apis = store.IndexByID(apis)
	return s, nil
}

// SetDebounce sets how long Watch waits for writes to settle.
func (s *Store) SetDebounce(d time.Duration) {
	s.debounce = d
}

func (s *Store) read() ([]*model.API, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read api file: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse api file: %w", err)
	}
	out := make([]*model.API, 0, len(doc.APIs))
	seen := make(map[string]bool, len(doc.APIs))
	for i := range doc.APIs {
		a := &doc.APIs[i]
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("duplicate api id %q", a.ID)
		}
		seen[a.ID] = true
		if a.Version == 0 {
			a.Version = 1
		}
		out = append(out, a)
	}
	return out, nil
}

// write persists the current set atomically. Must hold s.mu.
func (s *Store) write() error {
	apis := make([]*model.API, 0, len(s.apis))
	for _, a := range s.apis {
		apis = append(apis, a)
	}
	store.SortByID(apis)

	doc := document{APIs: make([]model.API, len(apis))}
	for i, a := range apis {
		doc.APIs[i] = *a
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode api file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".apis-*.yaml")
	if err != nil {
		return fmt.Errorf("write api file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write api file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write api file: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

// List returns every API
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
	all, _ := s.List(ctx)
	return store.FilterByHost(all, host), nil
}

// Put writes api with the next version and rewrites the file.
func (s *Store) Put(ctx context.Context, api *model.API) (model.ChangeEvent, error) {
	if err := api.Validate(); err != nil {
		return model.ChangeEvent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a := api.Clone()
	typ := model.ChangeInsert
	prev, ok := s.apis[a.ID]
	if ok {
		typ = model.ChangeUpdate
		a.Version = prev.Version + 1
	} else if a.Version == 0 {
		a.Version = 1
	}
	s.apis[a.ID] = a
	if err := s.write(); err != nil {
		if ok {
			s.apis[a.ID] = prev
		} else {
			delete(s.apis, a.ID)
		}
		return model.ChangeEvent{}, err
	}
	api.Version = a.Version
	return model.NewChangeEvent(typ, a), nil
}

// Delete removes an API and rewrites the file.
func (s *Store) Delete(ctx context.Context, id string) (model.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.apis[id]
	if !ok {
		return model.ChangeEvent{}, store.ErrNotFound
	}
	delete(s.apis, id)
	if err := s.write(); err != nil {
		s.apis[id] = prev
		return model.ChangeEvent{}, err
	}
	gone := prev.Clone()
	gone.Version++
	return model.NewChangeEvent(model.ChangeDelete, gone), nil
}

// Watch reloads the file when it changes on disk and emits an event per
// changed API. An unparsable file is logged and the last good set kept.
func (s *Store) Watch(ctx context.Context) (<-chan model.ChangeEvent, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and Put replace the file by rename.
	if err := fw.Add(filepath.Dir(s.path)); err != nil {
		fw.Close()
		return nil, err
	}

	ch := make(chan model.ChangeEvent, 64)
	reload := make(chan struct{}, 1)

	go func() {
		defer close(ch)
		defer fw.Close()

		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(s.debounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				s.logger.Error("api file watcher error", zap.Error(err))
			case <-reload:
				for _, ce := range s.reload() {
					select {
					case ch <- ce:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

// reload re-reads the file and returns the resulting changes.
func (s *Store) reload() []model.ChangeEvent {
	apis, err := s.read()
	if err != nil {
		s.logger.Error("failed to reload api file", zap.String("path", s.path), zap.Error(err))
		return nil
	}
	next := store.IndexByID(apis)

	s.mu.Lock()
	prev := s.apis
	for id, a := range next {
		// Hand edits do not bump versions; do it for them.
		if p, ok := prev[id]; ok && a.Version <= p.Version {
			if sameDefinition(p, a) {
				a.Version = p.Version
			} else {
				a.Version = p.Version + 1
			}
		}
	}
	s.apis = next
	s.mu.Unlock()

	evs := store.Diff(prev, next)
	if len(evs) > 0 {
		s.logger.Info("api file reloaded", zap.String("path", s.path), zap.Int("changes", len(evs)))
	}
	return evs
}

func sameDefinition(a, b *model.API) bool {
	x, y := *a, *b
	x.Version, y.Version = 0, 0
	bx, err1 := json.Marshal(&x)
	by, err2 := json.Marshal(&y)
	return err1 == nil && err2 == nil && bytes.Equal(bx, by)
}

// Close is a no-op; watchers stop with their context.
func (s *Store) Close() error {
	return nil
}

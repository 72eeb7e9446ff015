// Package store defines durable storage for API definitions.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/wudi/annon/internal/model"
)

// Store is the configuration storage used by the cache adapters and by the
// administrative writer.
type Store interface {
	// List returns every API definition.
	List(ctx context.Context) ([]*model.API, error)

	// Get returns one API definition or ErrNotFound.
	Get(ctx context.Context, id string) (*model.API, error)

	// FindByHost returns the APIs whose normalized host is host or the
	// any-host wildcard "*", plus every wildcard-host API that may match.
	FindByHost(ctx context.Context, host string) ([]*model.API, error)

	// Put inserts or replaces api. The stored version is bumped and the
	// resulting change event returned.
	Put(ctx context.Context, api *model.API) (model.ChangeEvent, error)

	// Delete removes an API definition.
	Delete(ctx context.Context, id string) (model.ChangeEvent, error)

	// Close releases the store connection
	Close() error
}

// Watcher is implemented by stores that observe writes made by other nodes
// or processes.
type Watcher interface {
	Watch(ctx context.Context) (<-chan model.ChangeEvent, error)
}

// Type names a store backend
type Type string

const (
	TypeMemory Type = "memory"
	TypeSQL    Type = "sql"
	TypeEtcd   Type = "etcd"
	TypeConsul Type = "consul"
	TypeFile   Type = "file"
)

// ErrNotFound is returned when an API is not stored
var ErrNotFound = errors.New("api not found")

// ErrUnavailable is returned when the backend cannot be reached
var ErrUnavailable = errors.New("store unavailable")

// Validate checks an API before it is written, including the settings of
// each plugin when validate is non-nil.
func Validate(api *model.API, validate func(kind model.PluginKind, raw []byte) error) error {
	if err := api.Validate(); err != nil {
		return err
	}
	if validate == nil {
		return nil
	}
	for _, p := range api.Plugins {
		if err := validate(p.Name, p.Settings); err != nil {
			return fmt.Errorf("api %s: plugin %s: %w", api.ID, p.Name, err)
		}
	}
	return nil
}

// HostCandidates reports whether an API stored under apiHost can match a
// request for host. Backends that cannot index wildcards use it to filter a
// full listing.
func HostCandidates(apiHost, host string) bool {
	if apiHost == "*" || apiHost == host {
		return true
	}
	if len(apiHost) > 2 && apiHost[0] == '*' && apiHost[1] == '.' {
		suffix := apiHost[1:]
		return len(host) > len(suffix) && host[len(host)-len(suffix):] == suffix
	}
	return false
}

// FilterByHost keeps the APIs that can match host.
func FilterByHost(apis []*model.API, host string) []*model.API {
	host = model.NormalizeHost(host)
	out := make([]*model.API, 0, len(apis))
	for _, a := range apis {
		if HostCandidates(a.NormalizedHost(), host) {
			out = append(out, a)
		}
	}
	return out
}

// SortByID orders apis by id so listings are stable.
func SortByID(apis []*model.API) {
	sort.Slice(apis, func(i, j int) bool { return apis[i].ID < apis[j].ID })
}

// IndexByID maps apis by id.
func IndexByID(apis []*model.API) map[string]*model.API {
	m := make(map[string]*model.API, len(apis))
	for _, a := range apis {
		m[a.ID] = a
	}
	return m
}

// Diff returns the events that turn the prev snapshot into next, ordered by
// API id. Backends without native change notification use it to turn
// successive listings into events.
func Diff(prev, next map[string]*model.API) []model.ChangeEvent {
	var evs []model.ChangeEvent
	for id, a := range next {
		p, ok := prev[id]
		switch {
		case !ok:
			evs = append(evs, model.NewChangeEvent(model.ChangeInsert, a))
		case p.Version != a.Version:
			evs = append(evs, model.NewChangeEvent(model.ChangeUpdate, a))
		}
	}
	for id, p := range prev {
		if _, ok := next[id]; !ok {
			gone := p.Clone()
			gone.Version++
			evs = append(evs, model.NewChangeEvent(model.ChangeDelete, gone))
		}
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i].APIID < evs[j].APIID })
	return evs
}

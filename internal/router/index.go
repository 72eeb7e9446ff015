package router

import (
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/model"
)

// Route is an indexed API together with the value compiled for it.
type Route[T any] struct {
	API   *model.API
	Value T

	matcher *CompiledMatcher
	path    pathPattern
}

// NewRoute compiles the matching rules of api.
func NewRoute[T any](api *model.API, value T) (*Route[T], error) {
	cm, err := NewCompiledMatcher(api.Request)
	if err != nil {
		return nil, fmt.Errorf("api %s: %w", api.ID, err)
	}
	pp, err := compilePath(api.Request.Path)
	if err != nil {
		return nil, fmt.Errorf("api %s: path %q: %w", api.ID, api.Request.Path, err)
	}
	return &Route[T]{API: api, Value: value, matcher: cm, path: pp}, nil
}

// Match is the result of a successful resolve.
type Match[T any] struct {
	Route  *Route[T]
	Params map[string]string
	// PrefixSegments is the number of request path segments consumed by
	// the API path pattern.
	PrefixSegments int
}

// less orders candidates: lower priority number first, then the more
// specific path, then the more specific matcher, then API id.
func less[T any](a, b *Route[T]) bool {
	if a.API.Priority != b.API.Priority {
		return a.API.Priority < b.API.Priority
	}
	if a.path.literal != b.path.literal {
		return a.path.literal > b.path.literal
	}
	if len(a.path.segments) != len(b.path.segments) {
		return len(a.path.segments) > len(b.path.segments)
	}
	if sa, sb := a.matcher.Specificity(), b.matcher.Specificity(); sa != sb {
		return sa > sb
	}
	return a.API.ID < b.API.ID
}

// Fragment holds the ordered candidates for one host. It is immutable.
type Fragment[T any] struct {
	host   string
	routes []*Route[T]
}

// NewFragment sorts routes into a fragment for host.
func NewFragment[T any](host string, routes []*Route[T]) *Fragment[T] {
	rs := make([]*Route[T], len(routes))
	copy(rs, routes)
	sort.SliceStable(rs, func(i, j int) bool { return less(rs[i], rs[j]) })
	return &Fragment[T]{host: host, routes: rs}
}

// Host returns the fragment key.
func (f *Fragment[T]) Host() string { return f.host }

// Routes returns the candidates in match order.
func (f *Fragment[T]) Routes() []*Route[T] { return f.routes }

// Without returns a copy of f without the API id.
func (f *Fragment[T]) Without(id string) *Fragment[T] {
	rs := make([]*Route[T], 0, len(f.routes))
	for _, r := range f.routes {
		if r.API.ID != id {
			rs = append(rs, r)
		}
	}
	return &Fragment[T]{host: f.host, routes: rs}
}

// With returns a copy of f where route replaces any route with the same id.
func (f *Fragment[T]) With(route *Route[T]) *Fragment[T] {
	rs := make([]*Route[T], 0, len(f.routes)+1)
	for _, r := range f.routes {
		if r.API.ID != route.API.ID {
			rs = append(rs, r)
		}
	}
	rs = append(rs, route)
	return NewFragment(f.host, rs)
}

func (f *Fragment[T]) match(req *Request, segs []string) (Match[T], bool) {
	for _, r := range f.routes {
		params, n, ok := r.path.match(segs)
		if !ok || !r.matcher.Matches(req) {
			continue
		}
		return Match[T]{Route: r, Params: params, PrefixSegments: n}, true
	}
	return Match[T]{}, false
}

// Index resolves requests to routes. Exact hosts are consulted first, then
// wildcard suffixes (*.example.com, longest first), then APIs bound to any
// host. An Index is immutable; updates build a new one sharing unchanged
// fragments.
type Index[T any] struct {
	exact     map[string]*Fragment[T]
	wildcards []*Fragment[T]
	any       *Fragment[T]
	size      int
}

// Build creates an index from routes.
func Build[T any](routes []*Route[T]) *Index[T] {
	byHost := make(map[string][]*Route[T])
	for _, r := range routes {
		h := r.API.NormalizedHost()
		byHost[h] = append(byHost[h], r)
	}
	frags := make(map[string]*Fragment[T], len(byHost))
	for h, rs := range byHost {
		frags[h] = NewFragment(h, rs)
	}
	return newIndex(frags)
}

func newIndex[T any](frags map[string]*Fragment[T]) *Index[T] {
	ix := &Index[T]{exact: make(map[string]*Fragment[T], len(frags))}
	for h, f := range frags {
		if len(f.routes) == 0 {
			continue
		}
		ix.size += len(f.routes)
		switch {
		case h == "*":
			ix.any = f
		case strings.HasPrefix(h, "*."):
			ix.wildcards = append(ix.wildcards, f)
		default:
			ix.exact[h] = f
		}
	}
	sort.Slice(ix.wildcards, func(i, j int) bool {
		a, b := ix.wildcards[i].host, ix.wildcards[j].host
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	return ix
}

// Fragment returns the fragment stored under host.
func (ix *Index[T]) Fragment(host string) (*Fragment[T], bool) {
	switch {
	case host == "*":
		return ix.any, ix.any != nil
	case strings.HasPrefix(host, "*."):
		for _, f := range ix.wildcards {
			if f.host == host {
				return f, true
			}
		}
		return nil, false
	}
	f, ok := ix.exact[host]
	return f, ok
}

// Fragments returns every fragment keyed by host.
func (ix *Index[T]) Fragments() map[string]*Fragment[T] {
	out := make(map[string]*Fragment[T], len(ix.exact)+len(ix.wildcards)+1)
	for h, f := range ix.exact {
		out[h] = f
	}
	for _, f := range ix.wildcards {
		out[f.host] = f
	}
	if ix.any != nil {
		out["*"] = ix.any
	}
	return out
}

// Replace returns a new index where the given host fragments are swapped in.
// A nil or empty fragment removes the host.
func (ix *Index[T]) Replace(updates map[string]*Fragment[T]) *Index[T] {
	frags := ix.Fragments()
	for h, f := range updates {
		if f == nil {
			delete(frags, h)
			continue
		}
		frags[h] = f
	}
	return newIndex(frags)
}

// Len returns the number of indexed routes.
func (ix *Index[T]) Len() int { return ix.size }

// Routes returns every indexed route.
func (ix *Index[T]) Routes() []*Route[T] {
	out := make([]*Route[T], 0, ix.size)
	for _, f := range ix.Fragments() {
		out = append(out, f.routes...)
	}
	return out
}

// Resolve finds the API serving req or returns errors.ErrNotFound.
func (ix *Index[T]) Resolve(req *Request) (Match[T], error) {
	segs := splitPath(req.Path)

	if f, ok := ix.exact[req.Host]; ok {
		if m, ok := f.match(req, segs); ok {
			return m, nil
		}
	}
	for _, f := range ix.wildcards {
		if !strings.HasSuffix(req.Host, f.host[1:]) {
			continue
		}
		if m, ok := f.match(req, segs); ok {
			return m, nil
		}
	}
	if ix.any != nil {
		if m, ok := ix.any.match(req, segs); ok {
			return m, nil
		}
	}
	return Match[T]{}, errors.ErrNotFound
}

// FromHTTP extracts the matching attributes of r.
func FromHTTP(r *http.Request) *Request {
	req := &Request{
		Method:   r.Method,
		Scheme:   "http",
		Path:     r.URL.Path,
		Header:   r.Header,
		RawQuery: r.URL.RawQuery,
	}
	if r.TLS != nil {
		req.Scheme = "https"
	}

	host := r.Host
	if h, p, err := net.SplitHostPort(host); err == nil {
		host = h
		if strings.Contains(h, ":") {
			host = "[" + h + "]"
		}
		req.Port, _ = strconv.Atoi(p)
	} else if req.Scheme == "https" {
		req.Port = 443
	} else {
		req.Port = 80
	}
	req.Host = model.NormalizeHost(host)
	return req
}

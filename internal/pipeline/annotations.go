package pipeline

import (
	"net/http"
)

// Annotations carry values extracted by one plugin for use by later plugins
// and by the proxy. Only headers set via Promote reach the upstream.
type Annotations struct {
	ConsumerID     string
	Claims         map[string]any
	Scopes         []string
	IdempotencyKey string

	values   map[string]string
	promoted http.Header
}

// Set stores a free-form annotation.
func (a *Annotations) Set(key, value string) {
	if a.values == nil {
		a.values = make(map[string]string, 4)
	}
	a.values[key] = value
}

// Get returns a free-form annotation.
func (a *Annotations) Get(key string) (string, bool) {
	v, ok := a.values[key]
	return v, ok
}

// Promote marks a header to be sent to the upstream.
func (a *Annotations) Promote(header, value string) {
	if a.promoted == nil {
		a.promoted = make(http.Header, 4)
	}
	a.promoted.Set(header, value)
}

// Promoted returns the headers to add to the upstream request.
func (a *Annotations) Promoted() http.Header {
	return a.promoted
}

// HasScope reports whether scope was granted.
func (a *Annotations) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

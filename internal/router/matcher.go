package router

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/wudi/annon/internal/model"
)

// CompiledMatcher evaluates the method, scheme, port, header and query
// criteria of an API. Path and host are handled by the index.
type CompiledMatcher struct {
	headers []valueMatcher
	queries []valueMatcher
	methods map[string]bool // nil = all methods allowed
	scheme  string
	port    int
}

type valueMatcher struct {
	name    string
	exact   string
	present *bool
	regex   *regexp.Regexp
}

// NewCompiledMatcher creates a CompiledMatcher from an API request rule.
// Regexes are compiled once at creation time.
func NewCompiledMatcher(rm model.RequestMatch) (*CompiledMatcher, error) {
	cm := &CompiledMatcher{
		scheme: strings.ToLower(rm.Scheme),
		port:   rm.Port,
	}

	var err error
	if cm.headers, err = compileValueMatchers(rm.Headers, http.CanonicalHeaderKey); err != nil {
		return nil, err
	}
	if cm.queries, err = compileValueMatchers(rm.Query, nil); err != nil {
		return nil, err
	}

	if len(rm.Methods) > 0 {
		cm.methods = make(map[string]bool, len(rm.Methods))
		for _, m := range rm.Methods {
			cm.methods[strings.ToUpper(m)] = true
		}
	}

	return cm, nil
}

func compileValueMatchers(ms []model.Matcher, canon func(string) string) ([]valueMatcher, error) {
	out := make([]valueMatcher, 0, len(ms))
	for _, m := range ms {
		vm := valueMatcher{name: m.Name}
		if canon != nil {
			vm.name = canon(m.Name)
		}
		switch {
		case m.Value != "":
			vm.exact = m.Value
		case m.Present != nil:
			vm.present = m.Present
		case m.Regex != "":
			re, err := regexp.Compile(m.Regex)
			if err != nil {
				return nil, err
			}
			vm.regex = re
		}
		out = append(out, vm)
	}
	return out, nil
}

// Matches evaluates all criteria against the request.
func (cm *CompiledMatcher) Matches(req *Request) bool {
	if cm.methods != nil && !cm.methods[req.Method] {
		return false
	}
	if cm.scheme != "" && req.Scheme != "" && cm.scheme != req.Scheme {
		return false
	}
	if cm.port != 0 && req.Port != 0 && cm.port != req.Port {
		return false
	}

	// Header checks: all must match
	for _, hm := range cm.headers {
		vals, has := req.Header[hm.name]
		var val string
		if len(vals) > 0 {
			val = vals[0]
		}
		if !hm.matches(val, has) {
			return false
		}
	}

	if len(cm.queries) == 0 {
		return true
	}
	query := req.query()
	for _, qm := range cm.queries {
		if !qm.matches(query.Get(qm.name), query.Has(qm.name)) {
			return false
		}
	}

	return true
}

func (vm *valueMatcher) matches(val string, has bool) bool {
	switch {
	case vm.present != nil:
		return has == *vm.present
	case vm.exact != "":
		return val == vm.exact
	case vm.regex != nil:
		return vm.regex.MatchString(val)
	}
	return true
}

// Specificity returns a score for ordering otherwise equal candidates.
// Higher = more specific.
func (cm *CompiledMatcher) Specificity() int {
	score := len(cm.headers)*10 + len(cm.queries)*10
	if cm.methods != nil {
		score += 5
	}
	if cm.port != 0 {
		score++
	}
	return score
}

// Request is the subset of an inbound request used for matching.
type Request struct {
	Method   string
	Scheme   string
	Host     string
	Port     int
	Path     string
	Header   http.Header
	RawQuery string

	parsedQuery url.Values
}

func (r *Request) query() url.Values {
	if r.parsedQuery == nil {
		r.parsedQuery, _ = url.ParseQuery(r.RawQuery)
	}
	return r.parsedQuery
}

package router

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// pathPattern is a segment-aware prefix pattern. Segments may be literal,
// a named parameter ({id}), a glob (v*, *.json) or a trailing "**".
type pathPattern struct {
	raw      string
	segments []patternSegment
	literal  int // literal characters, used for specificity
}

type patternSegment struct {
	literal string
	glob    string
	param   string
	rest    bool // "**": matches any remaining segments
}

func compilePath(p string) (pathPattern, error) {
	pp := pathPattern{raw: p}
	for _, seg := range splitPath(p) {
		switch {
		case seg == "**":
			pp.segments = append(pp.segments, patternSegment{rest: true})
		case len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}' && !strings.Contains(seg, ","):
			pp.segments = append(pp.segments, patternSegment{param: seg[1 : len(seg)-1]})
		case strings.ContainsAny(seg, "*?[{"):
			if !doublestar.ValidatePattern(seg) {
				return pathPattern{}, doublestar.ErrBadPattern
			}
			pp.segments = append(pp.segments, patternSegment{glob: seg})
			pp.literal += len(seg) - strings.Count(seg, "*") - strings.Count(seg, "?")
		default:
			pp.segments = append(pp.segments, patternSegment{literal: seg})
			pp.literal += len(seg) + 1
		}
	}
	return pp, nil
}

// match reports whether reqSegments starts with the pattern and returns any
// captured parameters. The matched prefix length in segments is returned so
// callers can strip it.
func (pp *pathPattern) match(reqSegments []string) (map[string]string, int, bool) {
	var params map[string]string
	for i, seg := range pp.segments {
		if seg.rest {
			return params, len(reqSegments), true
		}
		if i >= len(reqSegments) {
			return nil, 0, false
		}
		rs := reqSegments[i]
		switch {
		case seg.param != "":
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[seg.param] = rs
		case seg.glob != "":
			if ok, _ := doublestar.Match(seg.glob, rs); !ok {
				return nil, 0, false
			}
		default:
			if rs != seg.literal {
				return nil, 0, false
			}
		}
	}
	return params, len(pp.segments), true
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StripPrefix removes the first n segments of path, keeping a leading slash.
func StripPrefix(path string, n int) string {
	segs := splitPath(path)
	if n >= len(segs) {
		return "/"
	}
	rest := "/" + strings.Join(segs[n:], "/")
	if strings.HasSuffix(path, "/") {
		rest += "/"
	}
	return rest
}

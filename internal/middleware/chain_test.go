package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func tag(name string, order *[]string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*order = append(*order, name)
			next.ServeHTTP(w, r)
		})
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	h := NewChain(tag("a", &order), nil, tag("b", &order)).
		Append(tag("c", &order)).
		Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			order = append(order, "handler")
		}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if got := strings.Join(order, ","); got != "a,b,c,handler" {
		t.Errorf("unexpected order %s", got)
	}
}

func TestChainLenSkipsNil(t *testing.T) {
	if n := NewChain(nil, RequestID(true), nil).Len(); n != 1 {
		t.Errorf("expected 1 middleware, got %d", n)
	}
}

package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wudi/annon/internal/config"
)

func recording(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tr := newTracer(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr, rec
}

func TestMiddlewareRecordsServerSpan(t *testing.T) {
	tr, rec := recording(t)
	h := tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, child := tr.StartSpan(r.Context(), "pipeline", attribute.String("api.id", "orders"))
		child.End()
		w.WriteHeader(http.StatusBadGateway)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/orders", nil))

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}
	child, server := ended[0], ended[1]
	if child.Parent().SpanID() != server.SpanContext().SpanID() {
		t.Error("pipeline span is not a child of the server span")
	}
	if server.Status().Code != codes.Error {
		t.Errorf("expected error status for 502, got %v", server.Status().Code)
	}
	if rr.Header().Get(TraceIDHeader) != server.SpanContext().TraceID().String() {
		t.Error("trace id header does not match span")
	}
}

func TestMiddlewareContinuesIncomingTrace(t *testing.T) {
	tr, rec := recording(t)
	h := tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), r)

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if got := ended[0].SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace not continued, got %s", got)
	}
}

func TestDisabledIsNoop(t *testing.T) {
	tr, err := New(config.TracingConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Enabled() {
		t.Fatal("expected disabled tracer")
	}
	rr := httptest.NewRecorder()
	tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Header().Get(TraceIDHeader) != "" {
		t.Error("disabled tracer must not set a trace id")
	}
	if _, span := tr.StartSpan(context.Background(), "x"); span.SpanContext().IsValid() {
		t.Error("disabled tracer produced a valid span")
	}
	if err := tr.Close(context.Background()); err != nil {
		t.Error(err)
	}
}

package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/model"
)

// fakePlugin records calls and runs fn.
type fakePlugin struct {
	Named
	calls *[]model.PluginKind
	fn    func(c *Context) error
}

func (p *fakePlugin) Compile(raw json.RawMessage) (any, error) { return string(raw), nil }

func (p *fakePlugin) Handle(c *Context, settings any) error {
	*p.calls = append(*p.calls, p.Kind())
	if p.fn == nil {
		return nil
	}
	return p.fn(c)
}

func stage(kind model.PluginKind, calls *[]model.PluginKind, fn func(c *Context) error) Stage {
	return Stage{Plugin: &fakePlugin{Named: Named(kind), calls: calls, fn: fn}}
}

func respond(status int) func(c *Context) error {
	return func(c *Context) error {
		c.Halt(&Response{Status: status, Header: http.Header{}})
		return nil
	}
}

func newContext() *Context {
	c := NewContext(httptest.NewRequest("GET", "/", nil), &model.API{ID: "test"})
	c.RequestID = "req-1"
	return c
}

func TestExecuteRunsInOrder(t *testing.T) {
	var calls []model.PluginKind
	stages := []Stage{
		stage("ip_restriction", &calls, nil),
		stage("jwt", &calls, nil),
		stage("proxy", &calls, respond(200)),
	}

	c := NewExecutor(zap.NewNop()).Execute(newContext(), stages)

	want := []model.PluginKind{"ip_restriction", "jwt", "proxy"}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Errorf("expected calls %v, got %v", want, calls)
	}
	if c.Response.Status != 200 {
		t.Errorf("expected 200, got %d", c.Response.Status)
	}
}

func TestExecuteHaltStopsChain(t *testing.T) {
	var calls []model.PluginKind
	stages := []Stage{
		stage("ip_restriction", &calls, nil),
		stage("jwt", &calls, func(c *Context) error { return errors.ErrUnauthorized }),
		stage("acl", &calls, nil),
		stage("proxy", &calls, respond(200)),
	}

	c := NewExecutor(zap.NewNop()).Execute(newContext(), stages)

	if len(calls) != 2 {
		t.Fatalf("expected chain to stop after jwt, got %v", calls)
	}
	if c.Response.Status != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", c.Response.Status)
	}
	if c.HaltedBy != "jwt" {
		t.Errorf("expected halted by jwt, got %q", c.HaltedBy)
	}
	if !strings.Contains(string(c.Response.Body), `"request_id":"req-1"`) {
		t.Errorf("expected request id in error body, got %s", c.Response.Body)
	}
}

func TestExecuteExplicitHalt(t *testing.T) {
	var calls []model.PluginKind
	stages := []Stage{
		stage("cors", &calls, respond(http.StatusNoContent)),
		stage("proxy", &calls, respond(200)),
	}
	c := NewExecutor(zap.NewNop()).Execute(newContext(), stages)
	if len(calls) != 1 || c.Response.Status != http.StatusNoContent {
		t.Errorf("expected preflight halt, got calls=%v status=%d", calls, c.Response.Status)
	}
	if c.HaltedBy != "cors" {
		t.Errorf("expected halted by cors, got %q", c.HaltedBy)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	var calls []model.PluginKind
	stages := []Stage{
		stage("validator", &calls, func(c *Context) error { panic("boom") }),
		stage("proxy", &calls, respond(200)),
	}

	c := NewExecutor(zap.New(core)).Execute(newContext(), stages)

	if c.Response.Status != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", c.Response.Status)
	}
	if len(calls) != 1 {
		t.Errorf("expected proxy to be skipped, got %v", calls)
	}
	if logs.FilterMessage("plugin panic recovered").Len() != 1 {
		t.Error("expected panic to be logged")
	}
}

func TestExecutePlainErrorBecomesInternal(t *testing.T) {
	var calls []model.PluginKind
	stages := []Stage{stage("logger", &calls, func(c *Context) error { return fmt.Errorf("disk full") })}
	c := NewExecutor(zap.NewNop()).Execute(newContext(), stages)
	if c.Response.Status != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", c.Response.Status)
	}
	if strings.Contains(string(c.Response.Body), "disk full") {
		t.Error("internal error cause must not leak to clients")
	}
}

func TestExecuteNoResponse(t *testing.T) {
	var calls []model.PluginKind
	c := NewExecutor(zap.NewNop()).Execute(newContext(), []Stage{stage("jwt", &calls, nil)})
	if c.Response == nil || c.Response.Status != http.StatusNotFound {
		t.Fatalf("expected 404 when no plugin responds, got %+v", c.Response)
	}
}

func TestHooksOrder(t *testing.T) {
	var order []string
	var calls []model.PluginKind
	stages := []Stage{
		stage("cors", &calls, func(c *Context) error {
			c.OnResponse(func(*Context) { order = append(order, "cors") })
			c.OnComplete(func(*Context) { order = append(order, "complete-cors") })
			return nil
		}),
		stage("idempotency", &calls, func(c *Context) error {
			c.OnResponse(func(*Context) { order = append(order, "idempotency") })
			return nil
		}),
		stage("logger", &calls, func(c *Context) error {
			c.OnComplete(func(*Context) { order = append(order, "complete-logger") })
			return nil
		}),
		stage("proxy", &calls, respond(200)),
	}

	e := NewExecutor(zap.NewNop())
	c := e.Execute(newContext(), stages)
	e.Complete(c)

	want := "[idempotency cors complete-cors complete-logger]"
	if fmt.Sprint(order) != want {
		t.Errorf("expected %s, got %v", want, order)
	}
	if c.Timing.End.IsZero() {
		t.Error("expected end time to be recorded")
	}
}

func TestResultHooksRunBeforeResponseHooks(t *testing.T) {
	var order []string
	var calls []model.PluginKind
	stages := []Stage{
		stage("idempotency", &calls, func(c *Context) error {
			c.OnResult(func(c *Context) {
				order = append(order, "result:"+c.Response.Header.Get("X-Decorated"))
			})
			return nil
		}),
		stage("cors", &calls, func(c *Context) error {
			c.OnResponse(func(c *Context) {
				c.Response.Header.Set("X-Decorated", "yes")
				order = append(order, "cors")
			})
			c.OnResult(func(*Context) { order = append(order, "result-cors") })
			return nil
		}),
		stage("proxy", &calls, respond(200)),
	}

	NewExecutor(zap.NewNop()).Execute(newContext(), stages)

	want := "[result: result-cors cors]"
	if fmt.Sprint(order) != want {
		t.Errorf("expected %s, got %v", want, order)
	}
}

func TestHookPanicKeepsResponse(t *testing.T) {
	var calls []model.PluginKind
	stages := []Stage{
		stage("cors", &calls, func(c *Context) error {
			c.OnResponse(func(*Context) { panic("bad hook") })
			return nil
		}),
		stage("proxy", &calls, respond(201)),
	}
	c := NewExecutor(zap.NewNop()).Execute(newContext(), stages)
	if c.Response.Status != 201 {
		t.Errorf("expected 201 to survive hook panic, got %d", c.Response.Status)
	}
}

func TestRegistryStages(t *testing.T) {
	var calls []model.PluginKind
	reg := NewRegistry(
		&fakePlugin{Named: "jwt", calls: &calls},
		&fakePlugin{Named: "proxy", calls: &calls},
	)
	api := &model.API{ID: "a", Plugins: []model.PluginConfig{
		{Name: "proxy", Enabled: true, Position: 2, Settings: json.RawMessage(`{"timeout":"1s"}`)},
		{Name: "jwt", Enabled: true, Position: 1},
	}}

	stages, err := reg.Stages(api)
	if err != nil {
		t.Fatalf("Stages: %v", err)
	}
	if len(stages) != 2 || stages[0].Name() != "jwt" || stages[1].Name() != "proxy" {
		t.Fatalf("unexpected stages: %+v", stages)
	}
	if stages[1].Settings != `{"timeout":"1s"}` {
		t.Errorf("expected compiled settings, got %v", stages[1].Settings)
	}

	api.Plugins = append(api.Plugins, model.PluginConfig{Name: "unknown", Enabled: true})
	if _, err := reg.Stages(api); err == nil {
		t.Error("expected error for unknown plugin")
	}
}

func TestContextBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"a":1}`))
	c := NewContext(req, &model.API{})

	b, err := c.Body(1024)
	if err != nil || string(b) != `{"a":1}` {
		t.Fatalf("Body = %q, %v", b, err)
	}
	again, _ := c.Body(1024)
	if string(again) != `{"a":1}` {
		t.Error("second read should return buffered body")
	}

	big := NewContext(httptest.NewRequest("POST", "/", strings.NewReader("0123456789")), &model.API{})
	if _, err := big.Body(4); err == nil {
		t.Error("expected error for oversized body")
	}
}

func TestResponseBuffer(t *testing.T) {
	r := &Response{Stream: readCloser("hello")}
	if err := r.Buffer(10); err != nil {
		t.Fatalf("Buffer: %v", err)
	}
	if string(r.Body) != "hello" || r.Stream != nil {
		t.Errorf("expected buffered body, got %q", r.Body)
	}

	big := &Response{Stream: readCloser("0123456789")}
	if err := big.Buffer(4); err != ErrBodyTooLarge {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
	var sb strings.Builder
	buf := make([]byte, 3)
	for {
		n, err := big.Stream.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if sb.String() != "0123456789" {
		t.Errorf("stream should still yield the full body, got %q", sb.String())
	}
}

type nopCloser struct{ *strings.Reader }

func (nopCloser) Close() error { return nil }

func readCloser(s string) nopCloser { return nopCloser{strings.NewReader(s)} }

// Package pipeline runs the ordered plugin chain of a matched API.
package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/formdata"
	"github.com/wudi/annon/internal/model"
)

// Hook runs after the chain, see Context.OnResponse and Context.OnComplete.
type Hook func(*Context)

// Context is the state of one request while it travels through the
// pipeline. It is owned by a single execution and never shared.
type Context struct {
	Request *http.Request
	API     *model.API
	// Params holds named path parameters captured by the API path pattern.
	Params map[string]string
	// PrefixSegments is the number of path segments matched by the API.
	PrefixSegments int
	RequestID      string
	ClientIP       string
	Annotations    Annotations
	// Form is set when a plugin parsed a multipart body. The proxy
	// re-encodes it instead of forwarding Request.Body.
	Form *formdata.Form

	// Response is the terminal response: set by a halting plugin or by the
	// proxy from the upstream reply.
	Response *Response
	// HaltedBy names the plugin that halted the chain, if any.
	HaltedBy model.PluginKind
	// Err is the gateway error that produced Response, if any.
	Err    *errors.GatewayError
	Timing Timing
	Logger *zap.Logger

	halted        bool
	body          []byte
	bodyRead      bool
	current       model.PluginKind
	resultHooks   []Hook
	responseHooks []Hook
	completeHooks []Hook
}

// NewContext creates the context for r.
func NewContext(r *http.Request, api *model.API) *Context {
	return &Context{
		Request: r,
		API:     api,
		Timing:  Timing{Start: time.Now()},
		Logger:  zap.NewNop(),
	}
}

// Context returns the request context.
func (c *Context) Context() context.Context {
	return c.Request.Context()
}

// Halt stops the chain and makes resp the final response.
func (c *Context) Halt(resp *Response) {
	c.halted = true
	c.Response = resp
	if c.HaltedBy == "" {
		c.HaltedBy = c.current
	}
}

// Fail halts with a structured error body.
func (c *Context) Fail(err *errors.GatewayError) {
	if c.RequestID != "" && err.RequestID == "" {
		err = err.WithRequestID(c.RequestID)
	}
	c.Err = err
	h := make(http.Header, 1)
	h.Set("Content-Type", "application/json")
	c.Halt(&Response{Status: err.Code, Header: h, Body: err.Body()})
}

// Halted reports whether a plugin halted the chain.
func (c *Context) Halted() bool {
	return c.halted
}

// Current returns the plugin being executed.
func (c *Context) Current() model.PluginKind {
	return c.current
}

// Body reads and buffers the request body once, up to max bytes. The
// request body is replaced so later readers see the same bytes.
func (c *Context) Body(max int64) ([]byte, error) {
	if c.bodyRead {
		return c.body, nil
	}
	c.bodyRead = true
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil, nil
	}
	b, err := io.ReadAll(io.LimitReader(c.Request.Body, max+1))
	c.Request.Body.Close()
	if err != nil {
		c.Request.Body = io.NopCloser(bytes.NewReader(b))
		return nil, err
	}
	if int64(len(b)) > max {
		c.Request.Body = io.NopCloser(bytes.NewReader(b))
		return nil, errors.ErrRequestEntityTooLarge
	}
	c.body = b
	c.Request.Body = io.NopCloser(bytes.NewReader(b))
	c.Request.ContentLength = int64(len(b))
	return b, nil
}

// BufferedBody returns the body if a plugin already read it.
func (c *Context) BufferedBody() ([]byte, bool) {
	return c.body, c.bodyRead
}

// OnResult registers fn to run once the chain produced its response and
// before any response hook decorates it. Hooks run in registration order.
func (c *Context) OnResult(fn Hook) {
	c.resultHooks = append(c.resultHooks, fn)
}

// OnResponse registers fn to run once the final response is known and
// before it is written. Hooks run in reverse registration order.
func (c *Context) OnResponse(fn Hook) {
	c.responseHooks = append(c.responseHooks, fn)
}

// OnComplete registers fn to run after the response was written.
func (c *Context) OnComplete(fn Hook) {
	c.completeHooks = append(c.completeHooks, fn)
}

// Timing records when each phase of the request started and ended.
type Timing struct {
	Start         time.Time
	UpstreamStart time.Time
	UpstreamEnd   time.Time
	End           time.Time
}

// Pipeline is the time spent in the gateway before the upstream call, or
// the whole gateway time when the upstream was never called.
func (t Timing) Pipeline() time.Duration {
	if !t.UpstreamStart.IsZero() {
		return t.UpstreamStart.Sub(t.Start)
	}
	return t.Total()
}

// Upstream is the time spent waiting on the upstream.
func (t Timing) Upstream() time.Duration {
	if t.UpstreamStart.IsZero() || t.UpstreamEnd.IsZero() {
		return 0
	}
	return t.UpstreamEnd.Sub(t.UpstreamStart)
}

// Total is the end-to-end time.
func (t Timing) Total() time.Duration {
	end := t.End
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(t.Start)
}

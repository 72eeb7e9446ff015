package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
	"github.com/wudi/annon/internal/router"
)

// Engine forwards requests to upstreams. It never retries.
type Engine struct {
	transport      http.RoundTripper
	defaultTimeout time.Duration
	propagateTrace bool
	tracer         trace.Tracer
}

// Config holds proxy configuration
type Config struct {
	Transport      http.RoundTripper
	DefaultTimeout time.Duration
	// PropagateTrace injects W3C trace context into upstream requests.
	PropagateTrace bool
}

// Target is the upstream of one call, derived from the API and the proxy
// plugin settings.
type Target struct {
	Upstream     model.Upstream
	Timeout      time.Duration
	AddHeaders   map[string]string
	StripHeaders []string
}

// New creates a new proxy engine
func New(cfg Config) *Engine {
	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport(DefaultTransportConfig)
	}
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Engine{
		transport:      transport,
		defaultTimeout: timeout,
		propagateTrace: cfg.PropagateTrace,
		tracer:         otel.Tracer("github.com/wudi/annon/internal/proxy"),
	}
}

// Forward sends the request in c to target and returns the upstream
// response with an open body stream. The call is bounded by the target
// timeout and abandoned when the client goes away. Transport failures are
// returned as 502 or 504 gateway errors.
func (e *Engine) Forward(c *pipeline.Context, t Target) (*pipeline.Response, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(c.Context(), timeout)

	ctx, span := e.tracer.Start(ctx, "proxy.forward", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("gateway.api_id", c.API.ID),
		attribute.String("upstream.host", t.Upstream.Host),
	)

	outReq, err := e.createProxyRequest(ctx, c, t)
	if err != nil {
		span.End()
		cancel()
		return nil, errors.ErrBadGateway.WithDetails("invalid upstream target").WithCause(err)
	}

	c.Timing.UpstreamStart = time.Now()
	resp, err := e.transport.RoundTrip(outReq)
	c.Timing.UpstreamEnd = time.Now()
	if err != nil {
		span.RecordError(err)
		span.End()
		cancel()
		return nil, classify(ctx, c.Context(), err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	header := resp.Header.Clone()
	removeHopHeaders(header)

	return &pipeline.Response{
		Status:   resp.StatusCode,
		Header:   header,
		Stream:   &cancelOnClose{ReadCloser: resp.Body, cancel: cancel, span: span},
		Upstream: true,
	}, nil
}

// createProxyRequest creates the request to send to the upstream.
func (e *Engine) createProxyRequest(ctx context.Context, c *pipeline.Context, t Target) (*http.Request, error) {
	r := c.Request
	target, err := targetURL(t.Upstream)
	if err != nil {
		return nil, err
	}

	path := r.URL.Path
	if t.Upstream.StripAPIPath {
		path = router.StripPrefix(path, c.PrefixSegments)
	}
	if target.Path == "" || target.Path == "/" {
		target.Path = path
	} else if path == "/" {
		// keep the configured upstream path as is
	} else {
		target.Path = singleJoiningSlash(target.Path, path)
	}
	target.RawQuery = r.URL.RawQuery

	body, length := requestBody(c)

	outReq := (&http.Request{
		Method:        r.Method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          body,
		ContentLength: length,
		Host:          target.Host,
	}).WithContext(ctx)
	if body == nil {
		outReq.Body = http.NoBody
	}

	outReq.Header = make(http.Header, len(r.Header)+6)
	for k, vv := range r.Header {
		outReq.Header[k] = vv
	}
	removeHopHeaders(outReq.Header)
	removeInternalHeaders(outReq.Header)
	if c.Form != nil {
		outReq.Header.Set("Content-Length", strconv.FormatInt(length, 10))
	}

	if t.Upstream.PreserveHost {
		outReq.Host = r.Host
	}

	// Set X-Forwarded headers
	if c.ClientIP != "" {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			outReq.Header.Set("X-Forwarded-For", prior+", "+c.ClientIP)
		} else {
			outReq.Header.Set("X-Forwarded-For", c.ClientIP)
		}
	}
	if r.TLS != nil {
		outReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		outReq.Header.Set("X-Forwarded-Proto", "http")
	}
	outReq.Header.Set("X-Forwarded-Host", r.Host)
	if c.RequestID != "" {
		outReq.Header.Set("X-Request-ID", c.RequestID)
	}

	for k, vv := range c.Annotations.Promoted() {
		outReq.Header[k] = vv
	}
	for k, v := range t.AddHeaders {
		outReq.Header.Set(k, v)
	}
	for _, k := range t.StripHeaders {
		outReq.Header.Del(k)
	}

	if e.propagateTrace {
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(outReq.Header))
	}

	return outReq, nil
}

// requestBody picks the body to send: a re-encoded multipart form, the
// buffered body, or the original stream.
func requestBody(c *pipeline.Context) (io.ReadCloser, int64) {
	r := c.Request
	if c.Form != nil {
		b := c.Form.Encode()
		return io.NopCloser(bytes.NewReader(b)), int64(len(b))
	}
	if b, ok := c.BufferedBody(); ok {
		if len(b) == 0 {
			return nil, 0
		}
		return io.NopCloser(bytes.NewReader(b)), int64(len(b))
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, 0
	}
	return r.Body, r.ContentLength
}

func targetURL(u model.Upstream) (*url.URL, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	host := u.Host
	if u.Port != 0 && !isDefaultPort(scheme, u.Port) {
		host = net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
	}
	if host == "" {
		return nil, stderrors.New("upstream host is empty")
	}
	return &url.URL{Scheme: scheme, Host: host, Path: u.Path}, nil
}

func isDefaultPort(scheme string, port int) bool {
	return (scheme == "http" && port == 80) || (scheme == "https" && port == 443)
}

// classify maps a transport error onto the gateway error taxonomy.
func classify(callCtx, clientCtx context.Context, err error) *errors.GatewayError {
	if clientCtx.Err() == context.Canceled {
		return errors.ErrBadGateway.WithDetails("client closed request").WithCause(err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
		return errors.ErrGatewayTimeout.WithCause(err)
	}
	var ne net.Error
	if stderrors.As(err, &ne) && ne.Timeout() {
		return errors.ErrGatewayTimeout.WithCause(err)
	}
	return errors.ErrBadGateway.WithDetails("upstream unreachable").WithCause(err)
}

// cancelOnClose releases the call context once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	span   trace.Span
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	b.span.End()
	return err
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// Gateway-internal header prefixes. Clients may not set these; plugins
// reach the upstream only through promoted annotations.
var internalPrefixes = []string{"X-Consumer-", "X-Gateway-"}

func removeInternalHeaders(header http.Header) {
	for k := range header {
		for _, p := range internalPrefixes {
			if strings.HasPrefix(k, p) {
				delete(header, k)
				break
			}
		}
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// Package requestlog delivers one record per logged request to a sink.
package requestlog

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"
)

// Record describes a finished request.
type Record struct {
	RequestID      string            `json:"request_id"`
	Timestamp      time.Time         `json:"timestamp"`
	APIID          string            `json:"api_id,omitempty"`
	APIName        string            `json:"api_name,omitempty"`
	ConsumerID     string            `json:"consumer_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Method         string            `json:"method"`
	Host           string            `json:"host"`
	Path           string            `json:"path"`
	Query          string            `json:"query,omitempty"`
	ClientIP       string            `json:"client_ip,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	Status         int               `json:"status"`
	HaltedBy       string            `json:"halted_by,omitempty"`
	ErrorKind      string            `json:"error_kind,omitempty"`
	Latencies      Latencies         `json:"latencies"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	RequestBody    string            `json:"request_body,omitempty"`
	ResponseBody   string            `json:"response_body,omitempty"`
}

// Latencies are in milliseconds.
type Latencies struct {
	Gateway  float64 `json:"gateway"`
	Upstream float64 `json:"upstream"`
	Total    float64 `json:"total"`
}

// Millis converts d for Latencies.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Sink receives records. Emit is called after the response was written, so
// a slow sink never delays the client; it may still hold a request
// goroutine, see Async.
type Sink interface {
	Emit(ctx context.Context, r Record) error
	Close() error
}

// Nop discards records.
type Nop struct{}

func (Nop) Emit(context.Context, Record) error { return nil }
func (Nop) Close() error                       { return nil }

// Zap writes records as structured log entries.
type Zap struct {
	logger *zap.Logger
}

// NewZap creates a sink on logger.
func NewZap(logger *zap.Logger) *Zap {
	return &Zap{logger: logger}
}

// Emit logs r at info level.
func (z *Zap) Emit(_ context.Context, r Record) error {
	fields := []zap.Field{
		zap.String("request_id", r.RequestID),
		zap.String("api_id", r.APIID),
		zap.String("method", r.Method),
		zap.String("host", r.Host),
		zap.String("path", r.Path),
		zap.Int("status", r.Status),
		zap.String("client_ip", r.ClientIP),
		zap.Float64("latency_ms", r.Latencies.Total),
		zap.Float64("upstream_ms", r.Latencies.Upstream),
	}
	if r.ConsumerID != "" {
		fields = append(fields, zap.String("consumer_id", r.ConsumerID))
	}
	if r.HaltedBy != "" {
		fields = append(fields, zap.String("halted_by", r.HaltedBy))
	}
	if r.ErrorKind != "" {
		fields = append(fields, zap.String("error_kind", r.ErrorKind))
	}
	if r.Query != "" {
		fields = append(fields, zap.String("query", r.Query))
	}
	if len(r.RequestHeaders) > 0 {
		fields = append(fields, zap.Any("request_headers", r.RequestHeaders))
	}
	if r.RequestBody != "" {
		fields = append(fields, zap.String("request_body", r.RequestBody))
	}
	if r.ResponseBody != "" {
		fields = append(fields, zap.String("response_body", r.ResponseBody))
	}
	z.logger.Info("request", fields...)
	return nil
}

// Close flushes the logger.
func (z *Zap) Close() error {
	_ = z.logger.Sync()
	return nil
}

// Multi fans records out to several sinks.
type Multi []Sink

// Emit sends r to every sink and joins their errors.
func (m Multi) Emit(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

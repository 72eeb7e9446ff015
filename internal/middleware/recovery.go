package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/annon/internal/errors"
)

// Recovery turns a panic in next into a 500 response. onPanic, when set, is
// called after the panic was logged.
func Recovery(logger *zap.Logger, onPanic func()) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				requestID := RequestIDFromContext(r.Context())
				logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("request_id", requestID),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				if onPanic != nil {
					onPanic()
				}

				ge := errors.ErrInternalServer.WithCause(fmt.Errorf("panic: %v", rec))
				if requestID != "" {
					ge = ge.WithRequestID(requestID)
				}
				ge.WriteJSON(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

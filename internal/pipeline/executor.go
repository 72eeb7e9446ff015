package pipeline

import (
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/logging"
)

// Executor runs plugin chains. It never reorders stages.
type Executor struct {
	logger *zap.Logger
}

// NewExecutor creates an executor.
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = logging.Global()
	}
	return &Executor{logger: logger}
}

// Execute runs stages in order until one halts, then runs the result
// hooks and the response hooks. A panic or unexpected error inside a plugin becomes a 500
// response; it never escapes.
func (e *Executor) Execute(c *Context, stages []Stage) *Context {
	for _, s := range stages {
		if c.halted {
			break
		}
		c.current = s.Name()
		if err := e.run(c, s); err != nil {
			e.fail(c, err)
		}
	}
	c.current = ""

	if c.Response == nil {
		// no stage produced a response
		c.Fail(errors.ErrNotFound.WithDetails("no plugin produced a response"))
		c.HaltedBy = ""
	}

	for _, h := range c.resultHooks {
		e.hook(c, "result", h)
	}
	for i := len(c.responseHooks) - 1; i >= 0; i-- {
		e.hook(c, "response", c.responseHooks[i])
	}
	return c
}

// Complete runs the completion hooks after the response was written.
func (e *Executor) Complete(c *Context) {
	if c.Timing.End.IsZero() {
		c.Timing.End = time.Now()
	}
	for _, h := range c.completeHooks {
		e.hook(c, "complete", h)
	}
}

func (e *Executor) run(c *Context, s Stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("plugin panic recovered",
				zap.String("plugin", string(s.Name())),
				zap.String("request_id", c.RequestID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = errors.ErrInternalServer.WithCause(fmt.Errorf("panic in %s: %v", s.Name(), r))
		}
	}()
	return s.Plugin.Handle(c, s.Settings)
}

func (e *Executor) fail(c *Context, err error) {
	ge, ok := errors.As(err)
	if !ok {
		e.logger.Error("plugin failed",
			zap.String("plugin", string(c.current)),
			zap.String("request_id", c.RequestID),
			zap.Error(err),
		)
		ge = errors.ErrInternalServer.WithCause(err)
	}
	c.Fail(ge)
}

func (e *Executor) hook(c *Context, phase string, h Hook) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("hook panic recovered",
				zap.String("phase", phase),
				zap.String("request_id", c.RequestID),
				zap.Any("panic", r),
			)
		}
	}()
	h(c)
}

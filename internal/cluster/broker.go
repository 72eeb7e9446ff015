// Package cluster propagates configuration change events between gateway
// nodes.
package cluster

import (
	"context"
	"sync"

	"github.com/wudi/annon/internal/model"
)

// Handler receives change events. It is called from the broker's delivery
// goroutine and must not block for long.
type Handler func(ctx context.Context, ev model.ChangeEvent)

// Broker publishes change events to every node, including the publisher.
// Delivery is at least once.
type Broker interface {
	Publish(ctx context.Context, ev model.ChangeEvent) error
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Local delivers events within the process. It serves single-node
// deployments and tests.
type Local struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

// NewLocal creates an in-process broker
func NewLocal() *Local {
	return &Local{}
}

// Publish calls every subscribed handler synchronously.
func (l *Local) Publish(ctx context.Context, ev model.ChangeEvent) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
	return nil
}

// Subscribe registers h until Close.
func (l *Local) Subscribe(ctx context.Context, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.handlers = append(l.handlers, h)
	return nil
}

// Close drops all handlers
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handlers = nil
	return nil
}

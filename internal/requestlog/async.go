package requestlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// AsyncConfig tunes an Async sink.
type AsyncConfig struct {
	QueueSize int
	Workers   int
	// EmitTimeout bounds each delivery to the wrapped sink.
	EmitTimeout time.Duration
	// OnDrop is called for every record dropped because the queue is full.
	OnDrop func()
}

// Async queues records and delivers them from worker goroutines. Emit
// never blocks: when the queue is full the record is dropped.
type Async struct {
	next    Sink
	logger  *zap.Logger
	queue   chan Record
	timeout time.Duration
	onDrop  func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	emitted   atomic.Int64
	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// AsyncStats is a snapshot of the queue counters.
type AsyncStats struct {
	QueueSize int   `json:"queue_size"`
	QueueUsed int   `json:"queue_used"`
	Emitted   int64 `json:"emitted"`
	Dropped   int64 `json:"dropped"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// NewAsync wraps next and starts the workers.
func NewAsync(next Sink, cfg AsyncConfig, logger *zap.Logger) *Async {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Async{
		next:    next,
		logger:  logger,
		queue:   make(chan Record, cfg.QueueSize),
		timeout: cfg.EmitTimeout,
		onDrop:  cfg.OnDrop,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	return a
}

// Emit enqueues r.
func (a *Async) Emit(_ context.Context, r Record) error {
	a.emitted.Add(1)
	select {
	case <-a.ctx.Done():
		a.drop()
		return nil
	default:
	}
	select {
	case a.queue <- r:
	default:
		a.drop()
	}
	return nil
}

func (a *Async) drop() {
	a.dropped.Add(1)
	if a.onDrop != nil {
		a.onDrop()
	}
}

func (a *Async) worker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			// deliver what is already queued
			for {
				select {
				case r := <-a.queue:
					a.deliver(r)
				default:
					return
				}
			}
		case r := <-a.queue:
			a.deliver(r)
		}
	}
}

func (a *Async) deliver(r Record) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.next.Emit(ctx, r); err != nil {
		a.failed.Add(1)
		a.logger.Warn("request log delivery failed", zap.String("request_id", r.RequestID), zap.Error(err))
		return
	}
	a.delivered.Add(1)
}

// Close drains the queue and closes the wrapped sink.
func (a *Async) Close() error {
	var err error
	a.once.Do(func() {
		a.cancel()
		a.wg.Wait()
		err = a.next.Close()
	})
	return err
}

// Stats returns the queue counters.
func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		QueueSize: cap(a.queue),
		QueueUsed: len(a.queue),
		Emitted:   a.emitted.Load(),
		Dropped:   a.dropped.Load(),
		Delivered: a.delivered.Load(),
		Failed:    a.failed.Load(),
	}
}

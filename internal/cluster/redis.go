package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/annon/internal/model"
)

// ErrClosed is returned by a closed broker
var ErrClosed = errors.New("broker closed")

// Redis propagates events over a redis pub/sub channel. Messages sent while
// a node is disconnected are lost, so every resubscription is followed by a
// synthetic reload event.
type Redis struct {
	client  *redis.Client
	channel string
	nodeID  string
	logger  *zap.Logger

	retryInterval time.Duration

	mu     sync.Mutex
	cancel []context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewRedis creates a redis broker on channel
func NewRedis(client *redis.Client, channel, nodeID string, logger *zap.Logger) *Redis {
	if channel == "" {
		channel = "gateway:config"
	}
	return &Redis{
		client:        client,
		channel:       channel,
		nodeID:        nodeID,
		logger:        logger,
		retryInterval: time.Second,
	}
}

// Publish sends ev to every subscribed node
func (r *Redis) Publish(ctx context.Context, ev model.ChangeEvent) error {
	if ev.Origin == "" {
		ev.Origin = r.nodeID
	}
	return r.client.Publish(ctx, r.channel, ev.Encode()).Err()
}

// Subscribe delivers events to h until ctx is done or the broker closes.
// The first subscription must succeed; later failures are retried with
// exponential backoff.
func (r *Redis) Subscribe(ctx context.Context, h Handler) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = append(r.cancel, cancel)
	r.mu.Unlock()

	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		cancel()
		return err
	}

	r.wg.Add(1)
	go r.run(ctx, ps, h)
	return nil
}

func (r *Redis) run(ctx context.Context, ps *redis.PubSub, h Handler) {
	defer r.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retryInterval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // never give up

	for {
		r.consume(ctx, ps, h)
		ps.Close()
		if ctx.Err() != nil {
			return
		}

		r.logger.Warn("config channel subscription lost, resubscribing", zap.String("channel", r.channel))
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			ps = r.client.Subscribe(ctx, r.channel)
			if _, err := ps.Receive(ctx); err != nil {
				ps.Close()
				r.logger.Warn("resubscribe failed", zap.Error(err))
				continue
			}
			break
		}
		bo.Reset()
		h(ctx, model.NewChangeEvent(model.ChangeReload, nil))
	}
}

func (r *Redis) consume(ctx context.Context, ps *redis.PubSub, h Handler) {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := model.DecodeChangeEvent([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("dropping malformed change event", zap.Error(err))
				continue
			}
			h(ctx, ev)
		}
	}
}

// Close stops all subscriptions. The redis client is owned by the caller.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, c := range r.cancel {
		c()
	}
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

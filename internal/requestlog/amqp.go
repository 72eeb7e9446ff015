package requestlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures the AMQP sink.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// AMQP publishes records as JSON messages. A broken channel is reopened on
// the next publish.
type AMQP struct {
	cfg AMQPConfig

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// NewAMQP connects to the broker.
func NewAMQP(cfg AMQPConfig) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp: url is required")
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "annon.requests"
	}
	a := &AMQP{cfg: cfg}
	if err := a.connect(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AMQP) connect() error {
	if a.conn == nil || a.conn.IsClosed() {
		conn, err := amqp091.Dial(a.cfg.URL)
		if err != nil {
			return fmt.Errorf("amqp: connect failed: %w", err)
		}
		a.conn = conn
	}
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp: channel failed: %w", err)
	}
	a.ch = ch
	return nil
}

// Emit publishes r.
func (a *AMQP) Emit(ctx context.Context, r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil || a.ch.IsClosed() {
		if err := a.connect(); err != nil {
			return err
		}
	}
	err = a.ch.PublishWithContext(ctx,
		a.cfg.Exchange,
		a.cfg.RoutingKey,
		false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    r.RequestID,
			Timestamp:    r.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("amqp: publish failed: %w", err)
	}
	return nil
}

// Close shuts down the connection.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		a.ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// Package clients holds connections to external brokers used by login-guard.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultAuditQueue is the queue audit events are published to.
	DefaultAuditQueue = "login-guard-audit"

	// DefaultDialTimeout bounds the TCP connect and AMQP handshake.
	DefaultDialTimeout = 5 * time.Second

	// redialBackoff is how long Publish fails fast after a failed reconnect.
	redialBackoff = 5 * time.Second

	heartbeat = 10 * time.Second
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("audit publisher closed")

// AuditPublisher publishes audit events as persistent JSON messages.
// A dropped channel is reopened on the next Publish.
type AuditPublisher struct {
	url         string
	queue       string
	dialTimeout time.Duration

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	closed   bool
	redialAt time.Time
	dialErr  error
}

// PublisherOption configures an AuditPublisher.
type PublisherOption func(*AuditPublisher)

// WithDialTimeout bounds how long connecting to the broker may take.
func WithDialTimeout(d time.Duration) PublisherOption {
	return func(p *AuditPublisher) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// NewAuditPublisher dials RabbitMQ and declares the audit queue.
func NewAuditPublisher(url, queue string, opts ...PublisherOption) (*AuditPublisher, error) {
	if queue == "" {
		queue = DefaultAuditQueue
	}
	p := &AuditPublisher{url: url, queue: queue, dialTimeout: DefaultDialTimeout}
	for _, opt := range opts {
		opt(p)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AuditPublisher) connectLocked() error {
	if p.conn == nil || p.conn.IsClosed() {
		if now := time.Now(); now.Before(p.redialAt) {
			return fmt.Errorf("RabbitMQ unavailable, retrying in %s: %w", p.redialAt.Sub(now).Round(time.Millisecond), p.dialErr)
		}
		conn, err := amqp.DialConfig(p.url, amqp.Config{
			Heartbeat: heartbeat,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(p.dialTimeout),
		})
		if err != nil {
			p.dialErr = err
			p.redialAt = time.Now().Add(redialBackoff)
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		p.conn = conn
		p.channel = nil
	}

	if p.channel == nil || p.channel.IsClosed() {
		ch, err := p.conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to open channel: %w", err)
		}
		if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			return fmt.Errorf("failed to declare queue %s: %w", p.queue, err)
		}
		p.channel = ch
	}
	return nil
}

// Queue returns the queue events are routed to.
func (p *AuditPublisher) Queue() string {
	return p.queue
}

// Ping reports whether the connection and channel are open.
func (p *AuditPublisher) Ping(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("connection closed")
	}
	if p.channel == nil || p.channel.IsClosed() {
		return errors.New("channel closed")
	}
	return nil
}

// Close closes the channel and connection.
func (p *AuditPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Publish marshals event to JSON and sends it to the audit queue.
func (p *AuditPublisher) Publish(ctx context.Context, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	if err := p.connectLocked(); err != nil {
		return err
	}

	err = p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		AppId:        "login-guard",
		Type:         "login_guard.audit",
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}
	return nil
}

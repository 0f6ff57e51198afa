// Package notify publishes failed auto-response jobs to RabbitMQ for operator triage.
//
// Publishing is optional: without RABBITMQ_URL the publisher is disabled and
// every call is a no-op.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brechohub/autoresponder/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue is the queue failed jobs are published to.
const DefaultQueue = "auto_response_failed"

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends failure events to a durable queue.
type Publisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel amqpChannel
	queue   string
}

// NewPublisher dials url and declares queue. An empty url returns a disabled publisher.
func NewPublisher(url, queue string) (*Publisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	if url == "" {
		slog.Info("notify.NewPublisher: RABBITMQ_URL is not set, failure notifications disabled")
		return &Publisher{queue: queue}, nil
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}

	p, err := newPublisherWithChannel(ch, queue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	slog.Info("notify.NewPublisher: RabbitMQ connection established", "queue", queue)
	return p, nil
}

func newPublisherWithChannel(ch amqpChannel, queue string) (*Publisher, error) {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("could not declare RabbitMQ queue %s: %w", queue, err)
	}
	return &Publisher{channel: ch, queue: queue}, nil
}

// Enabled reports whether a broker connection is configured.
func (p *Publisher) Enabled() bool {
	return p != nil && p.channel != nil
}

// NotifyFailure publishes a failed job as a persistent JSON message.
func (p *Publisher) NotifyFailure(ctx context.Context, failed models.FailedJob) error {
	if !p.Enabled() {
		return nil
	}
	body, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("encode failure notification failed: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    failed.Job.MessageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		slog.Error("notify.NotifyFailure: publish failed", "queue", p.queue, "message_id", failed.Job.MessageID, "error", err)
		return fmt.Errorf("publish failure notification failed: %w", err)
	}
	slog.Debug("notify.NotifyFailure: published", "queue", p.queue, "message_id", failed.Job.MessageID)
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	if !p.Enabled() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

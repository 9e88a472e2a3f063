// Package events publishes wallet lifecycle events after they commit.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Routing keys.
const (
	TransactionCompleted           = "transaction.completed"
	TransactionPendingConfirmation = "transaction.pending_confirmation"
	TransactionBlocked             = "transaction.blocked"
	TransactionFailed              = "transaction.failed"
	TransactionCancelled           = "transaction.cancelled"
	RequestCreated                 = "request.created"
	RequestAccepted                = "request.accepted"
	RequestDeclined                = "request.declined"
	RequestCancelled               = "request.cancelled"
)

// Envelope is the message body on the wire.
type Envelope struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// Publisher is implemented by anything that can emit events. Publishing is
// best effort: money has already moved when an event is sent.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
	Close()
}

// Nop logs and drops events. Used when RabbitMQ is not configured.
type Nop struct {
	Logger *slog.Logger
}

func (n Nop) Publish(ctx context.Context, routingKey string, payload any) error {
	if n.Logger != nil {
		n.Logger.Debug("event publish skipped", "component", "events", "routing_key", routingKey)
	}
	return nil
}

func (Nop) Close() {}

// RabbitPublisher publishes JSON envelopes to a durable topic exchange.
type RabbitPublisher struct {
	exchange string
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewRabbitPublisher(amqpURL, exchange string, logger *slog.Logger) (*RabbitPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &RabbitPublisher{
		exchange: exchange,
		logger:   logger.With("component", "events"),
		conn:     conn,
		channel:  ch,
	}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(Envelope{Type: routingKey, OccurredAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}
	// One reopen of the channel, then give up.
	p.logger.Warn("publish failed; reopening channel", "routing_key", routingKey, "err", err)
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

func (p *RabbitPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

package external

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TransactionEvent announces a committed ledger entry to downstream
// consumers (notifications, analytics). Events are advisory; the ledger is
// the source of truth.
type TransactionEvent struct {
	EventID       string    `json:"event_id"`
	TransactionID string    `json:"transaction_id"`
	UserID        int64     `json:"user_id"`
	Amount        string    `json:"amount"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	BalanceAfter  string    `json:"balance_after"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// PaymentEvent announces a payment state change.
type PaymentEvent struct {
	EventID           string    `json:"event_id"`
	PaymentID         string    `json:"payment_id"`
	UserID            int64     `json:"user_id"`
	Amount            string    `json:"amount"`
	Status            string    `json:"status"`
	ExternalPaymentID string    `json:"external_payment_id,omitempty"`
	TransactionID     string    `json:"transaction_id,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

type EventPublisher interface {
	PublishTransactionEvent(ctx context.Context, event *TransactionEvent) error
	PublishPaymentEvent(ctx context.Context, event *PaymentEvent) error
	Close() error
}

type PublisherConfig struct {
	URL      string
	Exchange string
}

type amqpPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  *PublisherConfig
}

func NewAMQPPublisher(config *PublisherConfig) (EventPublisher, error) {
	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(config.Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &amqpPublisher{
		conn:    conn,
		channel: channel,
		config:  config,
	}, nil
}

func (p *amqpPublisher) PublishTransactionEvent(ctx context.Context, event *TransactionEvent) error {
	routingKey := fmt.Sprintf("billing.transaction.%s", event.Type)
	return p.publish(ctx, routingKey, event)
}

func (p *amqpPublisher) PublishPaymentEvent(ctx context.Context, event *PaymentEvent) error {
	routingKey := fmt.Sprintf("billing.payment.%s", event.Status)
	return p.publish(ctx, routingKey, event)
}

func (p *amqpPublisher) publish(ctx context.Context, routingKey string, event interface{}) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx, p.config.Exchange, routingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// NopPublisher drops events. Used when the broker is not configured and in
// tests.
type NopPublisher struct{}

func NewNopPublisher() EventPublisher {
	return &NopPublisher{}
}

func (*NopPublisher) PublishTransactionEvent(context.Context, *TransactionEvent) error {
	return nil
}

func (*NopPublisher) PublishPaymentEvent(context.Context, *PaymentEvent) error {
	return nil
}

func (*NopPublisher) Close() error { return nil }

// Package events publishes one message per finished file so downstream
// consumers can follow a run.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange receives outcome messages, routed by status.
const DefaultExchange = "sortbook.outcomes"

// Outcome is the message body for a finished file.
type Outcome struct {
	BookID       string    `json:"bookId,omitempty"`
	Fingerprint  string    `json:"fingerprint"`
	FilePath     string    `json:"filePath"`
	Status       string    `json:"status"`
	Identifier   string    `json:"identifier,omitempty"`
	FinalTitle   string    `json:"finalTitle,omitempty"`
	FinalAuthor  string    `json:"finalAuthor,omitempty"`
	ChoiceSource string    `json:"choiceSource,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	DryRun       bool      `json:"dryRun"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Publisher sends outcome messages.
type Publisher interface {
	Publish(ctx context.Context, out Outcome) error
	Close() error
}

// NopPublisher drops every message.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Outcome) error { return nil }
func (NopPublisher) Close() error                          { return nil }

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes outcomes to a topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
}

// Config configures the AMQP publisher.
type Config struct {
	URL      string
	Exchange string
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(cfg Config) (*AMQPPublisher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	p, err := newAMQPPublisher(ch, cfg.Exchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange string) (*AMQPPublisher, error) {
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{channel: ch, exchange: exchange}, nil
}

// Publish sends out with the status as routing key.
func (p *AMQPPublisher) Publish(ctx context.Context, out Outcome) error {
	if out.OccurredAt.IsZero() {
		out.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    out.OccurredAt,
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, out.Status, false, false, msg); err != nil {
		return fmt.Errorf("publish outcome: %w", err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

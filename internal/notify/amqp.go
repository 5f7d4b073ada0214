package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	serrors "github.com/p-blackswan/socialbank/internal/errors"
)

// OutboundMessage is the JSON body published for the outbound gateway.
type OutboundMessage struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	To        string    `json:"to"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageTypeSessionExpiry tags expiry notices on the wire.
const MessageTypeSessionExpiry = "session_expiry"

// AMQPConfig configures the broker publisher.
type AMQPConfig struct {
	URL          string
	Exchange     string
	ExchangeType string
	RoutingKey   string
}

// amqpChannel is the subset of *amqp.Channel the publisher uses.
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Close() error
}

// AMQPPublisher hands notifications to the outbound gateway through a
// message broker, waiting for a publisher confirm on every message.
type AMQPPublisher struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	ch         amqpChannel
	confirms   chan amqp.Confirmation
	nextTag    uint64
	exchange   string
	routingKey string
	logger     zerolog.Logger
}

// DialAMQP connects, declares the exchange and enables confirms.
func DialAMQP(cfg AMQPConfig, logger zerolog.Logger) (*AMQPPublisher, error) {
	logger.Info().Str("exchange", cfg.Exchange).Msg("connecting to RabbitMQ")

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	kind := cfg.ExchangeType
	if kind == "" {
		kind = amqp.ExchangeTopic
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, kind, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	p, err := newAMQPPublisher(ch, cfg.Exchange, cfg.RoutingKey, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// confirmBuffer holds late confirms for sends whose wait timed out, so the
// channel's dispatcher never blocks on them.
const confirmBuffer = 64

func newAMQPPublisher(ch amqpChannel, exchange, routingKey string, logger zerolog.Logger) (*AMQPPublisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return &AMQPPublisher{
		ch:         ch,
		confirms:   ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer)),
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger.With().Str("component", "amqp_notifier").Logger(),
	}, nil
}

// Send publishes msg and blocks until the broker confirms it.
func (p *AMQPPublisher) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(OutboundMessage{
		Type:      MessageTypeSessionExpiry,
		SessionID: msg.SessionID,
		To:        msg.To,
		From:      msg.From,
		Body:      msg.Body,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.Publish(p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: publish: %v", serrors.ErrUnavailable, err)
	}
	p.nextTag++
	want := p.nextTag

	// Confirms for earlier messages whose wait timed out may still be queued.
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for publisher confirm: %v", serrors.ErrTimeout, ctx.Err())
		case c, ok := <-p.confirms:
			if !ok {
				return fmt.Errorf("%w: channel closed before confirm", serrors.ErrUnavailable)
			}
			if c.DeliveryTag < want {
				continue
			}
			if !c.Ack {
				return fmt.Errorf("%w: broker nacked message for session %s", serrors.ErrUnavailable, msg.SessionID)
			}
			return nil
		}
	}
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.Close(); err != nil {
		p.logger.Error().Err(err).Msg("failed to close RabbitMQ channel")
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
		}
	}
	return nil
}

// Package rabbitmq publishes balance change events to downstream consumers
// (notifications, reporting, reconciliation). Delivery is best effort: a
// broker outage never fails the balance mutation that produced the event.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// ProducerRepository is the outbound event publisher capability.
type ProducerRepository interface {
	PublishBalanceEvent(ctx context.Context, event pmodel.BalanceChangeEvent) error
	Close() error
}

// ProducerRabbitMQRepository publishes events on a topic exchange with
// routing keys of the form capital.<changeType>.<poolId>.
type ProducerRabbitMQRepository struct {
	conn     *amqp.Connection
	exchange string
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	channel *amqp.Channel
}

// NewProducerRabbitMQRepository dials the broker and declares the exchange.
func NewProducerRabbitMQRepository(uri, exchange string, logger *zap.SugaredLogger) (*ProducerRabbitMQRepository, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()

		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &ProducerRabbitMQRepository{
		conn:     conn,
		exchange: exchange,
		logger:   logger,
		channel:  channel,
	}, nil
}

// PublishBalanceEvent sends the event as a persistent JSON message. The
// channel is reopened once on failure before giving up.
func (p *ProducerRabbitMQRepository) PublishBalanceEvent(ctx context.Context, event pmodel.BalanceChangeEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal balance event: %w", err)
	}

	routingKey := fmt.Sprintf("capital.%s.%s", event.ChangeType, event.PoolID)

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Timestamp,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, publishing)
	if err == nil {
		return nil
	}

	p.logger.Warnw("publish failed, reopening channel", "routingKey", routingKey, "error", err)

	channel, chErr := p.conn.Channel()
	if chErr != nil {
		return fmt.Errorf("reopen channel: %w", chErr)
	}

	p.channel = channel

	if err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	return nil
}

func (p *ProducerRabbitMQRepository) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		_ = p.channel.Close()
	}

	return p.conn.Close()
}

// Package broker connects the two message fabrics: the AMQP exchange
// that fans frames out to gateway nodes, and the MQTT broker that
// carries per-user topics for the JSON gateway variant.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/observability"
)

// AMQP defaults shared by every deployment.
const (
	DefaultExchange   = "IM-SERVER"
	DefaultErrorQueue = "im.error"

	consumerTag = "relay-gateway-consumer"
)

// ErrBrokerIDTaken means another gateway instance already holds the
// exclusive queue for this broker id. Not retried: two nodes with the
// same id would split the user's traffic unpredictably.
var ErrBrokerIDTaken = errors.New("broker id already in use by another gateway instance")

// ConsumerConfig configures the per-node AMQP consumer.
type ConsumerConfig struct {
	URL        string
	Exchange   string
	Queue      string // the node's broker id
	ErrorQueue string
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.ErrorQueue == "" {
		c.ErrorQueue = DefaultErrorQueue
	}
}

// Handler processes one delivery body. A returned error routes the body
// to the error queue instead of redelivery; the fabric never retries a
// frame this node has rejected.
type Handler func(ctx context.Context, body []byte) error

// Consumer owns the node's exclusive queue on the fan-out exchange and
// pumps deliveries into the handler, reconnecting with exponential
// backoff when the connection drops.
type Consumer struct {
	cfg     ConsumerConfig
	handler Handler
	log     *observability.Logger
	metrics *observability.Metrics
	policy  backoff.BackoffPolicy
}

// NewConsumer creates a consumer. Run must be called to start it.
func NewConsumer(cfg ConsumerConfig, handler Handler, log *observability.Logger, metrics *observability.Metrics) (*Consumer, error) {
	cfg.applyDefaults()
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("broker id is required")
	}
	return &Consumer{
		cfg:     cfg,
		handler: handler,
		log:     log.WithFields("component", "amqp-consumer", "queue", cfg.Queue),
		metrics: metrics,
		policy:  backoff.BrokerReconnectPolicy(),
	}, nil
}

// Run consumes until ctx is canceled or a fatal setup error occurs. Each
// successful (re)connection resets the backoff schedule.
func (c *Consumer) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := c.consumeOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrBrokerIDTaken):
			return err
		case err == nil:
			// connection closed cleanly; reconnect from a cold schedule
			attempt = 0
		default:
			attempt++
			c.log.Error(ctx, "consumer connection lost", "error", err, "attempt", attempt)
		}

		if c.metrics != nil {
			c.metrics.RecordBrokerReconnect("amqp")
		}
		delay := backoff.ComputeBackoff(c.policy, attempt)
		c.log.Warn(ctx, "reconnecting to amqp", "delay", delay.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := c.declareTopology(ch); err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.cfg.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consume: %w", err)
	}

	c.log.Info(ctx, "amqp consumer started", "exchange", c.cfg.Exchange)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return nil
			}
			return fmt.Errorf("connection closed: %w", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.dispatch(ctx, ch, d)
		}
	}
}

// declareTopology sets up the exchange, the node's exclusive queue, and
// the shared error queue. Queue name doubles as routing key on a direct
// exchange: the fan-out API addresses a node by publishing to its broker
// id.
func (c *Consumer) declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(c.cfg.Queue, false, true, true, false, nil); err != nil {
		if isResourceLocked(err) {
			return fmt.Errorf("%w: queue %s", ErrBrokerIDTaken, c.cfg.Queue)
		}
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.Queue, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	if _, err := ch.QueueDeclare(c.cfg.ErrorQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare error queue: %w", err)
	}
	if err := ch.QueueBind(c.cfg.ErrorQueue, c.cfg.ErrorQueue, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind error queue: %w", err)
	}
	return nil
}

// dispatch runs the handler and settles the delivery. Failures go to the
// error queue and are nacked without requeue so a poison frame cannot
// wedge the node.
func (c *Consumer) dispatch(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) {
	if err := c.handler(ctx, d.Body); err != nil {
		c.log.Error(ctx, "delivery handler failed", "error", err)
		pubErr := ch.PublishWithContext(ctx, c.cfg.Exchange, c.cfg.ErrorQueue, false, false, amqp.Publishing{
			ContentType: "application/json",
			Body:        d.Body,
		})
		if pubErr != nil {
			c.log.Error(ctx, "error queue publish failed", "error", pubErr)
		}
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.log.Error(ctx, "nack failed", "error", nackErr)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.log.Error(ctx, "ack failed", "error", err)
	}
}

// isResourceLocked detects AMQP 405: the queue is exclusively owned by
// another connection.
func isResourceLocked(err error) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.ResourceLocked
	}
	return strings.Contains(err.Error(), "RESOURCE_LOCKED") || strings.Contains(err.Error(), "405")
}

// Publisher sends frames to gateway nodes over the fan-out exchange.
// Used by the fan-out API to address the node holding a user's session.
type Publisher struct {
	cfg  ConsumerConfig
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *observability.Logger
}

// NewPublisher connects and declares the exchange.
func NewPublisher(url, exchange string, log *observability.Logger) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{
		cfg:  ConsumerConfig{Exchange: exchange},
		conn: conn,
		ch:   ch,
		log:  log.WithFields("component", "amqp-publisher"),
	}, nil
}

// PublishToBroker routes a frame to one gateway node by its broker id.
func (p *Publisher) PublishToBroker(ctx context.Context, brokerID string, body []byte) error {
	err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, brokerID, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to broker %s: %w", brokerID, err)
	}
	return nil
}

// Close releases the connection.
func (p *Publisher) Close() error {
	if p.ch != nil {
		p.ch.Close()
	}
	return p.conn.Close()
}

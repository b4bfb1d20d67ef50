// Package queue implements the AMQP dispatch pipeline: topology
// declaration, the id publisher and the consumer worker groups.
package queue

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tphakala/notify-go/internal/conf"
	"github.com/tphakala/notify-go/internal/errors"
	"github.com/tphakala/notify-go/internal/logging"
)

// Client owns the AMQP connection and declares the dispatch topology.
type Client struct {
	conn     *amqp.Connection
	settings *conf.QueueSettings
	logger   *slog.Logger
}

// Dial connects to the broker and declares the full topology.
func Dial(settings *conf.QueueSettings) (*Client, error) {
	conn, err := amqp.Dial(settings.URI)
	if err != nil {
		return nil, errors.New(err).
			Component("queue").
			Category(errors.CategoryQueue).
			Context("operation", "dial").
			Build()
	}

	c := &Client{
		conn:     conn,
		settings: settings,
		logger:   logging.ForService("queue"),
	}
	if err := c.declareTopology(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Close shuts down the underlying connection, stopping all channels.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// retryQueueName derives the per-queue retry holding queue name.
func retryQueueName(queue string) string {
	return queue + ".retry"
}

// declareTopology sets up exchanges, work queues, their retry holding
// queues and the dead-letter queue. Declarations are idempotent, so
// every process declares the same topology on startup.
func (c *Client) declareTopology() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return errors.New(err).
			Component("queue").
			Category(errors.CategoryQueue).
			Context("operation", "topology_channel").
			Build()
	}
	defer func() { _ = ch.Close() }()

	s := c.settings
	for _, exchange := range []string{s.Exchange, s.DLQExchange} {
		if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
			return topologyError(err, "declare_exchange", exchange)
		}
	}

	// Dead-letter queue, fed by the DLQ exchange.
	if _, err := ch.QueueDeclare(s.DLQQueue, true, false, false, false, nil); err != nil {
		return topologyError(err, "declare_queue", s.DLQQueue)
	}
	if err := ch.QueueBind(s.DLQQueue, s.DLQRoutingKey, s.DLQExchange, false, nil); err != nil {
		return topologyError(err, "bind_queue", s.DLQQueue)
	}

	// Work queues dead-letter into the DLQ exchange when a message is
	// rejected; each has a retry holding queue that dead-letters back
	// into the work queue once the per-message TTL expires.
	for queue, key := range map[string]string{
		s.MainQueue:  s.RoutingKey,
		s.EmailQueue: s.EmailQueue,
		s.PushQueue:  s.PushQueue,
	} {
		workArgs := amqp.Table{
			"x-dead-letter-exchange":    s.DLQExchange,
			"x-dead-letter-routing-key": s.DLQRoutingKey,
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, workArgs); err != nil {
			return topologyError(err, "declare_queue", queue)
		}
		if err := ch.QueueBind(queue, key, s.Exchange, false, nil); err != nil {
			return topologyError(err, "bind_queue", queue)
		}

		retryArgs := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		}
		if _, err := ch.QueueDeclare(retryQueueName(queue), true, false, false, false, retryArgs); err != nil {
			return topologyError(err, "declare_queue", retryQueueName(queue))
		}
	}

	c.logger.Info("queue topology declared",
		"exchange", s.Exchange,
		"dlq_exchange", s.DLQExchange,
		"queues", fmt.Sprintf("%s, %s, %s, %s", s.MainQueue, s.EmailQueue, s.PushQueue, s.DLQQueue))
	return nil
}

func topologyError(err error, operation, name string) error {
	return errors.New(err).
		Component("queue").
		Category(errors.CategoryQueue).
		Context("operation", operation).
		Context("name", name).
		Build()
}

package queue

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tphakala/notify-go/internal/conf"
	"github.com/tphakala/notify-go/internal/datastore"
	"github.com/tphakala/notify-go/internal/errors"
	"github.com/tphakala/notify-go/internal/logging"
	"github.com/tphakala/notify-go/internal/observability/metrics"
)

// Publisher publishes notification ids to the dispatch topology. It
// implements the lifecycle service's Publisher contract. AMQP channels
// are not safe for concurrent use, so publishes serialize on a mutex.
type Publisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	settings *conf.QueueSettings
	metrics  *metrics.NotificationMetrics
	logger   *slog.Logger
}

// NewPublisher opens a dedicated channel for publishing.
func (c *Client) NewPublisher(m *metrics.NotificationMetrics) (*Publisher, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, errors.New(err).
			Component("queue").
			Category(errors.CategoryQueue).
			Context("operation", "publisher_channel").
			Build()
	}
	return &Publisher{
		ch:       ch,
		settings: c.settings,
		metrics:  m,
		logger:   logging.ForService("queue"),
	}, nil
}

// Close releases the publisher's channel.
func (p *Publisher) Close() error {
	return p.ch.Close()
}

// publish sends one persistent text message carrying the notification id.
func (p *Publisher) publish(ctx context.Context, exchange, routingKey, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "text/plain",
		Body:         []byte(id),
	})
	if err != nil {
		return errors.New(err).
			Component("queue").
			Category(errors.CategoryQueue).
			Context("operation", "publish").
			Context("routing_key", routingKey).
			Context("notification_id", id).
			Build()
	}
	if p.metrics != nil {
		p.metrics.RecordQueuePublish(routingKey)
	}
	p.logger.Debug("published notification id", "routing_key", routingKey, "notification_id", id)
	return nil
}

// Publish routes a notification id to its type-specific work queue.
func (p *Publisher) Publish(ctx context.Context, n *datastore.Notification) error {
	switch n.Type {
	case datastore.TypeEmail:
		return p.publish(ctx, p.settings.Exchange, p.settings.EmailQueue, n.ID)
	case datastore.TypePush:
		return p.publish(ctx, p.settings.Exchange, p.settings.PushQueue, n.ID)
	default:
		return p.PublishID(ctx, n.ID)
	}
}

// PublishID publishes an id to the generic work queue. The stuck sweep
// uses this path since it re-dispatches ids regardless of type.
func (p *Publisher) PublishID(ctx context.Context, id string) error {
	return p.publish(ctx, p.settings.Exchange, p.settings.RoutingKey, id)
}

// PublishDeadLetter routes an id straight to the dead-letter queue.
func (p *Publisher) PublishDeadLetter(ctx context.Context, id string) error {
	return p.publish(ctx, p.settings.DLQExchange, p.settings.DLQRoutingKey, id)
}

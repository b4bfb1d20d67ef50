package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tphakala/notify-go/internal/conf"
	"github.com/tphakala/notify-go/internal/logging"
	"github.com/tphakala/notify-go/internal/observability/metrics"
)

// redeliveryHeader tracks how many times a message has been rescheduled
// through the retry holding queue.
const redeliveryHeader = "x-redelivery-count"

// HandlerFunc processes one notification id pulled off a work queue.
// Returning an error triggers the broker-level redelivery policy.
type HandlerFunc func(ctx context.Context, id string) error

// ConsumerGroup runs a fixed number of worker goroutines against one
// work queue, each on its own channel with a bounded prefetch.
type ConsumerGroup struct {
	client     *Client
	queue      string
	workers    int
	prefetch   int
	redelivery conf.RedeliverySettings
	handler    HandlerFunc
	metrics    *metrics.NotificationMetrics
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewConsumerGroup creates a worker group for the named queue.
func (c *Client) NewConsumerGroup(queue string, workers int, handler HandlerFunc, m *metrics.NotificationMetrics) *ConsumerGroup {
	if workers < 1 {
		workers = 1
	}
	if workers > c.settings.MaxConsumers {
		workers = c.settings.MaxConsumers
	}
	return &ConsumerGroup{
		client:     c,
		queue:      queue,
		workers:    workers,
		prefetch:   c.settings.Prefetch,
		redelivery: c.settings.Redelivery,
		handler:    handler,
		metrics:    m,
		logger:     logging.ForService("queue").With("queue", queue),
	}
}

// Start launches the worker goroutines. They run until the context is
// canceled or the connection dies.
func (g *ConsumerGroup) Start(ctx context.Context) error {
	for i := 0; i < g.workers; i++ {
		ch, err := g.client.conn.Channel()
		if err != nil {
			return topologyError(err, "consumer_channel", g.queue)
		}
		if err := ch.Qos(g.prefetch, 0, false); err != nil {
			_ = ch.Close()
			return topologyError(err, "qos", g.queue)
		}

		consumerTag := fmt.Sprintf("%s-worker-%d", g.queue, i)
		deliveries, err := ch.Consume(g.queue, consumerTag, false, false, false, false, nil)
		if err != nil {
			_ = ch.Close()
			return topologyError(err, "consume", g.queue)
		}

		g.wg.Add(1)
		go g.worker(ctx, ch, deliveries, consumerTag)
	}

	g.logger.Info("consumer group started", "workers", g.workers, "prefetch", g.prefetch)
	return nil
}

// Wait blocks until every worker has drained and exited.
func (g *ConsumerGroup) Wait() {
	g.wg.Wait()
}

func (g *ConsumerGroup) worker(ctx context.Context, ch *amqp.Channel, deliveries <-chan amqp.Delivery, tag string) {
	defer g.wg.Done()
	defer func() { _ = ch.Close() }()

	for {
		select {
		case <-ctx.Done():
			g.logger.Debug("worker stopping", "consumer", tag)
			return
		case d, ok := <-deliveries:
			if !ok {
				g.logger.Warn("delivery channel closed", "consumer", tag)
				return
			}
			g.handleDelivery(ctx, ch, &d)
		}
	}
}

// handleDelivery runs the unit of work and applies the redelivery
// policy: on error, reschedule through the retry holding queue with
// exponential backoff until the attempt budget is spent, then reject so
// the broker dead-letters the message.
func (g *ConsumerGroup) handleDelivery(ctx context.Context, ch *amqp.Channel, d *amqp.Delivery) {
	id := string(d.Body)

	err := g.handler(ctx, id)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			g.logger.Error("failed to ack delivery", "notification_id", id, "error", ackErr)
		}
		return
	}

	attempts := redeliveryCount(d.Headers)
	if attempts >= g.redelivery.MaxAttempts {
		g.logger.Warn("redelivery budget spent, rejecting to dead letter",
			"notification_id", id, "attempts", attempts, "error", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			g.logger.Error("failed to reject delivery", "notification_id", id, "error", nackErr)
		}
		return
	}

	delay := backoffDelay(g.redelivery.BaseDelay, g.redelivery.MaxDelay, attempts)
	if pubErr := g.scheduleRedelivery(ctx, ch, d, attempts+1, delay); pubErr != nil {
		g.logger.Error("failed to schedule redelivery, requeueing",
			"notification_id", id, "error", pubErr)
		if nackErr := d.Nack(false, true); nackErr != nil {
			g.logger.Error("failed to requeue delivery", "notification_id", id, "error", nackErr)
		}
		return
	}

	if g.metrics != nil {
		g.metrics.RecordQueueRedeliver(g.queue)
	}
	g.logger.Debug("redelivery scheduled",
		"notification_id", id, "attempt", attempts+1, "delay", delay)
	if ackErr := d.Ack(false); ackErr != nil {
		g.logger.Error("failed to ack redelivered message", "notification_id", id, "error", ackErr)
	}
}

// scheduleRedelivery republishes the message into the retry holding
// queue with a per-message TTL; expiry dead-letters it back into the
// work queue.
func (g *ConsumerGroup) scheduleRedelivery(ctx context.Context, ch *amqp.Channel, d *amqp.Delivery, attempt int, delay time.Duration) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[redeliveryHeader] = int32(attempt)

	return ch.PublishWithContext(ctx, "", retryQueueName(g.queue), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  d.ContentType,
		Body:         d.Body,
		Headers:      headers,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
	})
}

// redeliveryCount reads the redelivery header, tolerating the integer
// widths different publishers stamp.
func redeliveryCount(headers amqp.Table) int {
	v, ok := headers[redeliveryHeader]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// backoffDelay computes base * 2^attempt capped at maxDelay.
func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

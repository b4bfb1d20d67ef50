// Package processor implements the consumer unit of work: load the
// record, guard idempotency, invoke the channel sender and transition
// the notification's status.
package processor

import (
	"context"
	"log/slog"

	"github.com/tphakala/notify-go/internal/breaker"
	"github.com/tphakala/notify-go/internal/datastore"
	"github.com/tphakala/notify-go/internal/errors"
	"github.com/tphakala/notify-go/internal/logging"
	"github.com/tphakala/notify-go/internal/notification"
	"github.com/tphakala/notify-go/internal/observability/metrics"
)

// EmailDeliverer routes an email through the provider pool.
type EmailDeliverer interface {
	Deliver(ctx context.Context, n *datastore.Notification) error
}

// PushDeliverer sends a push notification to the gateway.
type PushDeliverer interface {
	Send(ctx context.Context, n *datastore.Notification) error
}

// Processor executes delivery attempts pulled off the dispatch queue.
// The email path runs inside the circuit breaker so a systemically
// failing provider pool fails fast instead of burning through every
// provider on every message.
type Processor struct {
	store   datastore.Interface
	service *notification.Service
	breaker *breaker.Breaker
	email   EmailDeliverer
	push    PushDeliverer
	metrics *metrics.NotificationMetrics
	logger  *slog.Logger
}

// New wires a processor from its collaborators.
func New(store datastore.Interface, service *notification.Service, b *breaker.Breaker, email EmailDeliverer, push PushDeliverer, m *metrics.NotificationMetrics) *Processor {
	return &Processor{
		store:   store,
		service: service,
		breaker: b,
		email:   email,
		push:    push,
		metrics: m,
		logger:  logging.ForService("processor"),
	}
}

// Process handles an id from the generic work queue, any type.
func (p *Processor) Process(ctx context.Context, id string) error {
	return p.process(ctx, id, "")
}

// ProcessEmail handles an id from the email-only queue.
func (p *Processor) ProcessEmail(ctx context.Context, id string) error {
	return p.process(ctx, id, datastore.TypeEmail)
}

// ProcessPush handles an id from the push-only queue.
func (p *Processor) ProcessPush(ctx context.Context, id string) error {
	return p.process(ctx, id, datastore.TypePush)
}

// HandleDeadLetter finalizes a record that exhausted broker redelivery.
func (p *Processor) HandleDeadLetter(ctx context.Context, id string) error {
	return p.service.FinalizeDeadLetter(ctx, id)
}

// Redeliver runs the delivery path for a manual retry. Unlike Process
// it accepts FAILED records; terminal records are still skipped.
func (p *Processor) Redeliver(ctx context.Context, id string) error {
	n, err := p.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.IsTerminal() {
		p.logger.Debug("skipping redelivery for terminal notification",
			"notification_id", id, "status", n.Status)
		return nil
	}

	timer := p.metrics.StartProcessingTimer()
	sendErr := p.send(ctx, n)
	duration := timer.ObserveDuration(n.Type)

	if sendErr != nil {
		if markErr := p.service.MarkFailed(ctx, id, sendErr); markErr != nil {
			p.logger.Error("failed to record delivery failure",
				"notification_id", id, "error", markErr)
		}
		return sendErr
	}
	return p.service.MarkSent(ctx, id, duration)
}

// process is the single unit of work shared by all listener groups.
func (p *Processor) process(ctx context.Context, id, wantType string) error {
	n, err := p.store.GetNotification(ctx, id)
	if err != nil {
		if errors.IsNotFound(err) {
			// A message for a deleted record would otherwise loop
			// through redelivery; drop it.
			p.logger.Warn("dropping message for unknown notification", "notification_id", id)
			return nil
		}
		return err
	}

	if wantType != "" && n.Type != wantType {
		p.logger.Error("misrouted message, dropping",
			"notification_id", id, "type", n.Type, "queue_type", wantType)
		return nil
	}

	// Idempotency guard: at-least-once delivery means duplicates are
	// normal. A record past PENDING is skipped without a send call.
	if !n.IsPending() {
		p.logger.Debug("skipping non-pending notification",
			"notification_id", id, "status", n.Status)
		if p.metrics != nil {
			p.metrics.RecordNotificationStatus(n.Type, metrics.StatusSkipped)
		}
		return nil
	}

	timer := p.metrics.StartProcessingTimer()
	sendErr := p.send(ctx, n)
	duration := timer.ObserveDuration(n.Type)

	if sendErr != nil {
		if markErr := p.service.MarkFailed(ctx, id, sendErr); markErr != nil {
			p.logger.Error("failed to record delivery failure",
				"notification_id", id, "error", markErr)
		}
		// Re-raise so the queue's redelivery and dead-letter policy
		// applies on top of the application-level bookkeeping.
		return sendErr
	}

	return p.service.MarkSent(ctx, id, duration)
}

// send dispatches through the channel matching the notification's type.
func (p *Processor) send(ctx context.Context, n *datastore.Notification) error {
	switch n.Type {
	case datastore.TypeEmail:
		return p.breaker.Execute(ctx, func(ctx context.Context) error {
			return p.email.Deliver(ctx, n)
		})
	case datastore.TypePush:
		return p.push.Send(ctx, n)
	default:
		return errors.Newf("unsupported notification type: %s", n.Type).
			Component("processor").
			Category(errors.CategoryValidation).
			Context("notification_id", n.ID).
			Build()
	}
}

package notification

import (
	"context"
	"log/slog"
	"time"

	"github.com/tphakala/notify-go/internal/datastore"
	"github.com/tphakala/notify-go/internal/errors"
	"github.com/tphakala/notify-go/internal/logging"
	"github.com/tphakala/notify-go/internal/observability/metrics"
)

// Service implements the notification state machine and the submission
// operations on top of the record store and the dispatch queue.
type Service struct {
	store      datastore.Interface
	publisher  Publisher
	metrics    *metrics.NotificationMetrics
	logger     *slog.Logger
	maxRetries int
}

// NewService wires a lifecycle service from its collaborators.
func NewService(store datastore.Interface, publisher Publisher, m *metrics.NotificationMetrics, maxRetries int) *Service {
	return &Service{
		store:      store,
		publisher:  publisher,
		metrics:    m,
		logger:     logging.ForService("notification"),
		maxRetries: maxRetries,
	}
}

// SendEmail validates and enqueues one email notification. Bad requests
// come back as a failed Response, not an error.
func (s *Service) SendEmail(ctx context.Context, req *EmailRequest) *Response {
	n, err := datastore.NewEmailNotification(req.Recipient, req.Subject, req.Message, req.TemplateID, req.Priority)
	if err != nil {
		s.logger.Warn("rejected email submission", "recipient", req.Recipient, "error", err)
		return &Response{Status: datastore.StatusFailed, Message: err.Error()}
	}
	return s.enqueue(ctx, n)
}

// SendPush validates and enqueues one push notification.
func (s *Service) SendPush(ctx context.Context, req *PushRequest) *Response {
	n, err := datastore.NewPushNotification(req.Recipient, req.Title, req.Message, req.Priority)
	if err != nil {
		s.logger.Warn("rejected push submission", "recipient", req.Recipient, "error", err)
		return &Response{Status: datastore.StatusFailed, Message: err.Error()}
	}
	return s.enqueue(ctx, n)
}

// SendBulkEmail submits a batch of emails, isolating per-item failures.
// A bad or unpersistable item never stops the rest of the batch.
func (s *Service) SendBulkEmail(ctx context.Context, req *BulkEmailRequest) *BulkResponse {
	start := time.Now()
	out := &BulkResponse{
		Responses: make([]Response, 0, len(req.Items)),
	}
	for i := range req.Items {
		resp := s.SendEmail(ctx, &req.Items[i])
		out.Responses = append(out.Responses, *resp)
		if resp.Accepted() {
			out.Stats.Succeeded++
		} else {
			out.Stats.Failed++
		}
	}
	out.Stats.Total = len(req.Items)
	out.Stats.Duration = time.Since(start)

	s.logger.Info("bulk email submission finished",
		"total", out.Stats.Total,
		"succeeded", out.Stats.Succeeded,
		"failed", out.Stats.Failed,
		"duration_ms", out.Stats.Duration.Milliseconds())
	return out
}

// enqueue persists a PENDING record and hands its id to the dispatch queue.
func (s *Service) enqueue(ctx context.Context, n *datastore.Notification) *Response {
	if err := s.store.SaveNotification(ctx, n); err != nil {
		s.logger.Error("failed to persist notification", "notification_id", n.ID, "error", err)
		return &Response{Status: datastore.StatusFailed, Message: "failed to persist notification"}
	}
	if err := s.publisher.Publish(ctx, n); err != nil {
		// The record stays PENDING; the stuck sweep will re-enqueue it.
		s.logger.Error("failed to publish notification", "notification_id", n.ID, "error", err)
		return &Response{ID: n.ID, Status: datastore.StatusPending, Message: "queued for delayed dispatch"}
	}

	s.logger.Debug("notification queued", "notification_id", n.ID, "type", n.Type)
	return &Response{ID: n.ID, Status: datastore.StatusPending}
}

// Status returns the current record for a notification id.
func (s *Service) Status(ctx context.Context, id string) (*datastore.Notification, error) {
	return s.store.GetNotification(ctx, id)
}

// Stats returns record counts grouped by type and status.
func (s *Service) Stats(ctx context.Context) (map[string]map[string]int64, error) {
	return s.store.CountByTypeAndStatus(ctx)
}

// MarkSent transitions a record to SENT. PENDING is the normal path;
// FAILED records reach SENT through the manual retry path. Terminal
// records are skipped without error so duplicate deliveries stay harmless.
func (s *Service) MarkSent(ctx context.Context, id string, processingTime time.Duration) error {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.IsTerminal() {
		s.logger.Debug("skipping sent transition, record is terminal",
			"notification_id", id, "status", n.Status)
		s.metrics.RecordNotificationStatus(n.Type, metrics.StatusSkipped)
		return nil
	}

	now := time.Now()
	n.Status = datastore.StatusSent
	n.SentAt = &now
	n.ProcessingTimeMs = processingTime.Milliseconds()
	if err := s.store.UpdateNotification(ctx, n); err != nil {
		return err
	}

	switch n.Type {
	case datastore.TypeEmail:
		s.metrics.RecordEmailSent()
	case datastore.TypePush:
		s.metrics.RecordPushSent()
	}
	s.metrics.RecordNotificationStatus(n.Type, metrics.StatusSuccess)
	s.logger.Info("notification sent", "notification_id", id, "type", n.Type,
		"processing_time_ms", n.ProcessingTimeMs)
	return nil
}

// MarkFailed records a transient delivery failure: sets the error message,
// increments the retry counter and moves the record to FAILED. Terminal
// records are left untouched.
func (s *Service) MarkFailed(ctx context.Context, id string, deliveryErr error) error {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.IsTerminal() {
		s.logger.Debug("skipping failed transition, record is terminal",
			"notification_id", id, "status", n.Status)
		s.metrics.RecordNotificationStatus(n.Type, metrics.StatusSkipped)
		return nil
	}

	n.Status = datastore.StatusFailed
	n.RetryCount++
	if deliveryErr != nil {
		n.ErrorMessage = deliveryErr.Error()
	}
	if err := s.store.UpdateNotification(ctx, n); err != nil {
		return err
	}

	switch n.Type {
	case datastore.TypeEmail:
		s.metrics.RecordEmailFailed()
	case datastore.TypePush:
		s.metrics.RecordPushFailed()
	}
	s.metrics.RecordNotificationStatus(n.Type, metrics.StatusFailed)
	s.metrics.RecordNotificationRetry(n.Type)
	s.logger.Warn("notification delivery failed", "notification_id", id,
		"type", n.Type, "retry_count", n.RetryCount, "error", n.ErrorMessage)
	return nil
}

// MarkPermanentlyFailed finalizes a record whose retry budget is exhausted
// and routes its id to the dead-letter path.
func (s *Service) MarkPermanentlyFailed(ctx context.Context, id string) error {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.Status == datastore.StatusFailedPermanently {
		return nil
	}
	if n.RetryCount < s.maxRetries {
		return errors.Newf("notification %s has retries remaining (%d/%d)", id, n.RetryCount, s.maxRetries).
			Component("notification").
			Category(errors.CategoryState).
			Context("notification_id", id).
			Build()
	}

	n.Status = datastore.StatusFailedPermanently
	if err := s.store.UpdateNotification(ctx, n); err != nil {
		return err
	}
	s.metrics.RecordNotificationStatus(n.Type, metrics.StatusPermanentFailure)

	if err := s.publisher.PublishDeadLetter(ctx, n.ID); err != nil {
		s.logger.Error("failed to publish dead letter", "notification_id", id, "error", err)
	}
	s.logger.Warn("notification permanently failed", "notification_id", id,
		"type", n.Type, "retry_count", n.RetryCount)
	return nil
}

// FinalizeDeadLetter is the DLQ drain transition: whatever state the
// record is in short of terminal, it becomes FAILED_PERMANENTLY. Unlike
// MarkPermanentlyFailed it does not re-publish to the dead-letter path.
func (s *Service) FinalizeDeadLetter(ctx context.Context, id string) error {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.Status == datastore.StatusFailedPermanently || n.Status == datastore.StatusSent {
		return nil
	}

	n.Status = datastore.StatusFailedPermanently
	if n.ErrorMessage == "" {
		n.ErrorMessage = "exhausted broker redelivery attempts"
	}
	if err := s.store.UpdateNotification(ctx, n); err != nil {
		return err
	}
	s.metrics.RecordNotificationStatus(n.Type, metrics.StatusPermanentFailure)
	s.logger.Warn("dead-lettered notification finalized", "notification_id", id, "type", n.Type)
	return nil
}

// MaxRetries exposes the configured application-level retry budget.
func (s *Service) MaxRetries() int {
	return s.maxRetries
}

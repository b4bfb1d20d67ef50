// Package scheduler drives the periodic sweeps: re-enqueueing stuck
// notifications, retrying failed ones with backoff, and the provider
// pool maintenance jobs registered by the composition root.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tphakala/notify-go/internal/conf"
	"github.com/tphakala/notify-go/internal/datastore"
	"github.com/tphakala/notify-go/internal/logging"
	"github.com/tphakala/notify-go/internal/notification"
	"github.com/tphakala/notify-go/internal/processor"
)

// Publisher re-enqueues notification ids onto the generic work queue.
type Publisher interface {
	PublishID(ctx context.Context, id string) error
}

// Scheduler owns the cron runner and the retry/stuck-sweep logic.
type Scheduler struct {
	store     datastore.Interface
	service   *notification.Service
	processor *processor.Processor
	publisher Publisher
	retry     conf.RetrySettings
	cron      *cron.Cron
	logger    *slog.Logger
}

// New wires a scheduler from its collaborators.
func New(store datastore.Interface, service *notification.Service, proc *processor.Processor, publisher Publisher, retry conf.RetrySettings) *Scheduler {
	return &Scheduler{
		store:     store,
		service:   service,
		processor: proc,
		publisher: publisher,
		retry:     retry,
		cron:      cron.New(),
		logger:    logging.ForService("scheduler"),
	}
}

// Start registers the stuck sweep and begins running cron entries.
func (s *Scheduler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.retry.SweepInterval)
	if _, err := s.cron.AddFunc(spec, func() { s.SweepStuck(ctx) }); err != nil {
		return fmt.Errorf("registering stuck sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "sweep_interval", s.retry.SweepInterval)
	return nil
}

// AddJob registers an additional cron entry, e.g. provider health checks
// or the daily usage reset.
func (s *Scheduler) AddJob(spec, name string, job func()) error {
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		return fmt.Errorf("registering job %s: %w", name, err)
	}
	s.logger.Info("scheduled job registered", "job", name, "spec", spec)
	return nil
}

// Stop halts the cron runner, waiting for running entries to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("scheduler stopped")
}

// SweepStuck re-publishes PENDING notifications whose dispatch message
// appears lost. Errors stay contained in the sweep.
func (s *Scheduler) SweepStuck(ctx context.Context) {
	cutoff := time.Now().Add(-s.retry.StuckAfter)
	stuck, err := s.store.PendingCreatedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("stuck sweep query failed", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	republished := 0
	for i := range stuck {
		if err := s.publisher.PublishID(ctx, stuck[i].ID); err != nil {
			s.logger.Error("failed to re-enqueue stuck notification",
				"notification_id", stuck[i].ID, "error", err)
			continue
		}
		republished++
	}
	s.logger.Info("stuck notification sweep finished",
		"found", len(stuck), "republished", republished)
}

// NotificationsForRetry lists FAILED records still under the retry limit.
func (s *Scheduler) NotificationsForRetry(ctx context.Context) ([]datastore.Notification, error) {
	return s.store.FailedUnderRetryLimit(ctx, s.retry.MaxAttempts)
}

// Retry re-attempts one notification. Records that exhausted the budget
// are finalized and dead-lettered; otherwise the call waits the
// exponential backoff and invokes the delivery path directly. A canceled
// wait aborts without touching the record. Delivery failures are
// contained here — the attempt's bookkeeping already happened in the
// processor.
func (s *Scheduler) Retry(ctx context.Context, id string) error {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.Status == datastore.StatusSent || n.Status == datastore.StatusFailedPermanently {
		s.logger.Debug("retry skipped, record is terminal", "notification_id", id, "status", n.Status)
		return nil
	}

	if n.RetryCount >= s.retry.MaxAttempts {
		s.logger.Warn("retry budget exhausted, finalizing",
			"notification_id", id, "retry_count", n.RetryCount)
		return s.service.MarkPermanentlyFailed(ctx, id)
	}

	delay := retryBackoff(s.retry.BackoffDelay, s.retry.BackoffCap, n.RetryCount)
	s.logger.Info("retrying notification", "notification_id", id,
		"retry_count", n.RetryCount, "backoff", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.logger.Info("retry wait interrupted", "notification_id", id)
		return ctx.Err()
	case <-timer.C:
	}

	if err := s.processor.Redeliver(ctx, id); err != nil {
		s.logger.Warn("retry attempt failed", "notification_id", id, "error", err)
	}
	return nil
}

// RetryAll runs Retry over every eligible FAILED record.
func (s *Scheduler) RetryAll(ctx context.Context) error {
	eligible, err := s.NotificationsForRetry(ctx)
	if err != nil {
		return err
	}
	for i := range eligible {
		if err := s.Retry(ctx, eligible[i].ID); err != nil {
			if ctx.Err() != nil {
				return err
			}
			s.logger.Error("retry failed", "notification_id", eligible[i].ID, "error", err)
		}
	}
	return nil
}

// retryBackoff computes backoffDelay * 2^retryCount capped at maxDelay.
func retryBackoff(base, maxDelay time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 0; i < retryCount; i++ {
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

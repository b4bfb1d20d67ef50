// Package metrics provides custom Prometheus metrics for notification operations.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Notification type and status label values used across the pipeline.
const (
	TypeEmail = "EMAIL"
	TypePush  = "PUSH"

	StatusSuccess          = "SUCCESS"
	StatusFailed           = "FAILED"
	StatusPermanentFailure = "PERMANENT_FAILURE"
	StatusSkipped          = "SKIPPED"
)

// NotificationMetrics contains all Prometheus metrics related to notification
// delivery and the email provider pool.
type NotificationMetrics struct {
	// Delivery outcome metrics
	EmailSentTotal   prometheus.Counter
	EmailFailedTotal prometheus.Counter
	PushSentTotal    prometheus.Counter
	PushFailedTotal  prometheus.Counter

	// Lifecycle metrics
	StatusTotal        *prometheus.CounterVec   // Processing outcomes by type and status
	RetryTotal         *prometheus.CounterVec   // Retry bookkeeping increments by type
	ProcessingDuration *prometheus.HistogramVec // Time spent in a single delivery attempt by type

	// Provider pool metrics
	ProviderUsage          *prometheus.GaugeVec   // Current daily usage by provider
	ProviderSendTotal      *prometheus.CounterVec // Sends routed through each provider, by outcome
	ProviderExhaustedTotal prometheus.Counter     // Dispatches that found no available provider

	// Circuit breaker metrics
	BreakerState *prometheus.GaugeVec // Breaker state (0=closed, 1=half-open, 2=open) by name

	// Queue metrics
	QueuePublishTotal   *prometheus.CounterVec // Messages published by routing destination
	QueueRedeliverTotal *prometheus.CounterVec // Broker-level redeliveries by queue

	registry *prometheus.Registry
}

// NewNotificationMetrics creates a new instance of NotificationMetrics.
// It requires a Prometheus registry to register the metrics.
// It returns an error if metric registration fails.
func NewNotificationMetrics(registry *prometheus.Registry) (*NotificationMetrics, error) {
	m := &NotificationMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register notification metrics: %w", err)
	}
	return m, nil
}

// initMetrics initializes all metrics for NotificationMetrics.
// Every instrument is created exactly once here, so lookups by name are
// idempotent for the lifetime of the registry.
func (m *NotificationMetrics) initMetrics() {
	m.EmailSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_email_sent_total",
		Help: "Total number of emails delivered successfully",
	})
	m.EmailFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_email_failed_total",
		Help: "Total number of email delivery attempts that failed",
	})
	m.PushSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_push_sent_total",
		Help: "Total number of push notifications delivered successfully",
	})
	m.PushFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_push_failed_total",
		Help: "Total number of push delivery attempts that failed",
	})

	m.StatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_status_total",
			Help: "Total processing outcomes by notification type and status",
		},
		[]string{"type", "status"},
	)

	m.RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_retry_total",
			Help: "Total retry count increments by notification type",
		},
		[]string{"type"},
	)

	m.ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notify_processing_duration_seconds",
			Help:    "Time taken by a single delivery attempt by notification type",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0}, // 10ms to 30s
		},
		[]string{"type"},
	)

	m.ProviderUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notify_provider_usage",
			Help: "Current daily usage count by email provider",
		},
		[]string{"provider"},
	)

	m.ProviderSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_provider_send_total",
			Help: "Email sends routed through each provider by outcome",
		},
		[]string{"provider", "outcome"}, // outcome: success, error
	)

	m.ProviderExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_provider_exhausted_total",
		Help: "Total dispatches that found no available email provider",
	})

	m.BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notify_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) by name",
		},
		[]string{"name"},
	)

	m.QueuePublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_queue_publish_total",
			Help: "Messages published by routing destination",
		},
		[]string{"destination"},
	)

	m.QueueRedeliverTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_queue_redeliver_total",
			Help: "Broker-level redeliveries scheduled by work queue",
		},
		[]string{"queue"},
	)
}

// RecordEmailSent records a successful email delivery.
func (m *NotificationMetrics) RecordEmailSent() {
	m.EmailSentTotal.Inc()
}

// RecordEmailFailed records a failed email delivery attempt.
func (m *NotificationMetrics) RecordEmailFailed() {
	m.EmailFailedTotal.Inc()
}

// RecordPushSent records a successful push delivery.
func (m *NotificationMetrics) RecordPushSent() {
	m.PushSentTotal.Inc()
}

// RecordPushFailed records a failed push delivery attempt.
func (m *NotificationMetrics) RecordPushFailed() {
	m.PushFailedTotal.Inc()
}

// RecordNotificationStatus records a processing outcome for a notification type.
func (m *NotificationMetrics) RecordNotificationStatus(notificationType, status string) {
	m.StatusTotal.WithLabelValues(notificationType, status).Inc()
}

// RecordNotificationRetry records a retry count increment for a notification type.
func (m *NotificationMetrics) RecordNotificationRetry(notificationType string) {
	m.RetryTotal.WithLabelValues(notificationType).Inc()
}

// RecordProcessingTime records the duration of a single delivery attempt.
func (m *NotificationMetrics) RecordProcessingTime(notificationType string, duration time.Duration) {
	m.ProcessingDuration.WithLabelValues(notificationType).Observe(duration.Seconds())
}

// SetProviderUsage updates the usage gauge for an email provider.
func (m *NotificationMetrics) SetProviderUsage(provider string, usage int) {
	m.ProviderUsage.WithLabelValues(provider).Set(float64(usage))
}

// RecordProviderSend records a routed send attempt through a provider.
func (m *NotificationMetrics) RecordProviderSend(provider, outcome string) {
	m.ProviderSendTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordProviderExhausted records a dispatch that found no available provider.
func (m *NotificationMetrics) RecordProviderExhausted() {
	m.ProviderExhaustedTotal.Inc()
}

// UpdateBreakerState updates the circuit breaker state gauge.
// state: 0=closed, 1=half-open, 2=open
func (m *NotificationMetrics) UpdateBreakerState(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordQueuePublish records a message published to a routing destination.
func (m *NotificationMetrics) RecordQueuePublish(destination string) {
	m.QueuePublishTotal.WithLabelValues(destination).Inc()
}

// RecordQueueRedeliver records a broker-level redelivery scheduled for a queue.
func (m *NotificationMetrics) RecordQueueRedeliver(queue string) {
	m.QueueRedeliverTotal.WithLabelValues(queue).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *NotificationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.EmailSentTotal.Collect(ch)
	m.EmailFailedTotal.Collect(ch)
	m.PushSentTotal.Collect(ch)
	m.PushFailedTotal.Collect(ch)
	m.StatusTotal.Collect(ch)
	m.RetryTotal.Collect(ch)
	m.ProcessingDuration.Collect(ch)
	m.ProviderUsage.Collect(ch)
	m.ProviderSendTotal.Collect(ch)
	m.ProviderExhaustedTotal.Collect(ch)
	m.BreakerState.Collect(ch)
	m.QueuePublishTotal.Collect(ch)
	m.QueueRedeliverTotal.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *NotificationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.EmailSentTotal.Describe(ch)
	m.EmailFailedTotal.Describe(ch)
	m.PushSentTotal.Describe(ch)
	m.PushFailedTotal.Describe(ch)
	m.StatusTotal.Describe(ch)
	m.RetryTotal.Describe(ch)
	m.ProcessingDuration.Describe(ch)
	m.ProviderUsage.Describe(ch)
	m.ProviderSendTotal.Describe(ch)
	m.ProviderExhaustedTotal.Describe(ch)
	m.BreakerState.Describe(ch)
	m.QueuePublishTotal.Describe(ch)
	m.QueueRedeliverTotal.Describe(ch)
}

// StartProcessingTimer creates a timer for measuring a delivery attempt.
// Safe to call on a nil receiver; the duration is measured either way.
func (m *NotificationMetrics) StartProcessingTimer() *ProcessingTimer {
	return &ProcessingTimer{
		startTime: time.Now(),
		metrics:   m,
	}
}

// ProcessingTimer is a helper struct for measuring processing duration.
type ProcessingTimer struct {
	startTime time.Time
	metrics   *NotificationMetrics
}

// ObserveDuration stops the timer, records the attempt duration for the
// notification type and returns it.
func (pt *ProcessingTimer) ObserveDuration(notificationType string) time.Duration {
	duration := time.Since(pt.startTime)
	if pt.metrics != nil {
		pt.metrics.RecordProcessingTime(notificationType, duration)
	}
	return duration
}

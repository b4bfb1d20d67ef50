package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/notify-go/internal/breaker"
	"github.com/tphakala/notify-go/internal/conf"
	"github.com/tphakala/notify-go/internal/datastore"
	"github.com/tphakala/notify-go/internal/errors"
	"github.com/tphakala/notify-go/internal/notification"
	"github.com/tphakala/notify-go/internal/observability/metrics"
)

type fakeEmailDeliverer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeEmailDeliverer) Deliver(context.Context, *datastore.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type fakePushDeliverer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakePushDeliverer) Send(context.Context, *datastore.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type nullPublisher struct{}

func (nullPublisher) Publish(context.Context, *datastore.Notification) error { return nil }
func (nullPublisher) PublishDeadLetter(context.Context, string) error        { return nil }

type harness struct {
	processor *Processor
	service   *notification.Service
	store     datastore.Interface
	email     *fakeEmailDeliverer
	push      *fakePushDeliverer
	metrics   *metrics.NotificationMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	settings := &conf.Settings{}
	settings.Database.SQLite.Enabled = true
	settings.Database.SQLite.Path = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	store := datastore.New(settings)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })

	m, err := metrics.NewNotificationMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	svc := notification.NewService(store, nullPublisher{}, m, 3)
	email := &fakeEmailDeliverer{}
	push := &fakePushDeliverer{}
	b := breaker.New("emailService", breaker.DefaultConfig(), m)

	return &harness{
		processor: New(store, svc, b, email, push, m),
		service:   svc,
		store:     store,
		email:     email,
		push:      push,
		metrics:   m,
	}
}

func (h *harness) seedEmail(t *testing.T) *datastore.Notification {
	t.Helper()
	n, err := datastore.NewEmailNotification("a@example.com", "S", "M", "", "")
	require.NoError(t, err)
	require.NoError(t, h.store.SaveNotification(context.Background(), n))
	return n
}

func (h *harness) seedPush(t *testing.T) *datastore.Notification {
	t.Helper()
	n, err := datastore.NewPushNotification("device-1", "T", "M", "")
	require.NoError(t, err)
	require.NoError(t, h.store.SaveNotification(context.Background(), n))
	return n
}

func TestProcessEmailSuccess(t *testing.T) {
	h := newHarness(t)
	n := h.seedEmail(t)

	require.NoError(t, h.processor.Process(context.Background(), n.ID))

	got, err := h.store.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.Equal(t, 1, h.email.calls)
	assert.InDelta(t, 1.0, testutil.ToFloat64(h.metrics.EmailSentTotal), 0.001)
	assert.Equal(t, 1, testutil.CollectAndCount(h.metrics.ProcessingDuration),
		"delivery attempt duration is observed")
}

func TestProcessEmailFailureReRaises(t *testing.T) {
	h := newHarness(t)
	n := h.seedEmail(t)
	h.email.err = errors.NewStd("smtp refused")

	err := h.processor.Process(context.Background(), n.ID)
	require.Error(t, err, "delivery errors re-raise so the queue redelivery policy applies")

	got, err := h.store.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "smtp refused", got.ErrorMessage)
	assert.InDelta(t, 1.0, testutil.ToFloat64(h.metrics.EmailFailedTotal), 0.001)
}

func TestProcessPushSuccess(t *testing.T) {
	h := newHarness(t)
	n := h.seedPush(t)

	require.NoError(t, h.processor.Process(context.Background(), n.ID))

	got, err := h.store.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusSent, got.Status)
	assert.Equal(t, 1, h.push.calls)
	assert.Equal(t, 0, h.email.calls)
}

func TestProcessSkipsNonPendingWithoutSend(t *testing.T) {
	h := newHarness(t)
	n := h.seedEmail(t)
	require.NoError(t, h.service.MarkSent(context.Background(), n.ID, time.Millisecond))
	h.email.calls = 0

	require.NoError(t, h.processor.Process(context.Background(), n.ID))

	assert.Equal(t, 0, h.email.calls, "duplicate delivery must not trigger a send")
	assert.InDelta(t, 1.0, testutil.ToFloat64(h.metrics.StatusTotal.WithLabelValues(datastore.TypeEmail, metrics.StatusSkipped)), 0.001)
}

func TestProcessDropsUnknownID(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.processor.Process(context.Background(), uuid.NewString()))
	assert.Equal(t, 0, h.email.calls)
	assert.Equal(t, 0, h.push.calls)
}

func TestTypedQueueGuard(t *testing.T) {
	h := newHarness(t)
	n := h.seedPush(t)

	// A push record on the email queue is dropped without a send.
	require.NoError(t, h.processor.ProcessEmail(context.Background(), n.ID))
	assert.Equal(t, 0, h.push.calls)
	assert.Equal(t, 0, h.email.calls)

	require.NoError(t, h.processor.ProcessPush(context.Background(), n.ID))
	assert.Equal(t, 1, h.push.calls)
}

func TestBreakerShortCircuitsEmailPath(t *testing.T) {
	h := newHarness(t)
	h.email.err = errors.NewStd("smtp refused")
	ctx := context.Background()

	// Drive the breaker open with failing deliveries.
	for i := 0; i < 10; i++ {
		n := h.seedEmail(t)
		_ = h.processor.Process(ctx, n.ID)
	}
	require.Equal(t, 10, h.email.calls)

	// Next message short-circuits: failure recorded, no send attempted.
	n := h.seedEmail(t)
	err := h.processor.Process(ctx, n.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, breaker.ErrOpen))
	assert.Equal(t, 10, h.email.calls)

	got, err := h.store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusFailed, got.Status)
}

func TestHandleDeadLetterFinalizes(t *testing.T) {
	h := newHarness(t)
	n := h.seedEmail(t)

	require.NoError(t, h.processor.HandleDeadLetter(context.Background(), n.ID))

	got, err := h.store.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusFailedPermanently, got.Status)
	assert.InDelta(t, 1.0, testutil.ToFloat64(h.metrics.StatusTotal.WithLabelValues(datastore.TypeEmail, metrics.StatusPermanentFailure)), 0.001)
}

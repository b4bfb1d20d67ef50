package notification

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

	"github.com/tphakala/notify-go/internal/conf"
	"github.com/tphakala/notify-go/internal/datastore"
	"github.com/tphakala/notify-go/internal/errors"
	"github.com/tphakala/notify-go/internal/observability/metrics"
)

// fakePublisher records published ids instead of talking to a broker.
type fakePublisher struct {
	mu          sync.Mutex
	published   []string
	deadLetters []string
	failNext    error
}

func (f *fakePublisher) Publish(_ context.Context, n *datastore.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.published = append(f.published, n.ID)
	return nil
}

func (f *fakePublisher) PublishDeadLetter(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, id)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakePublisher, *metrics.NotificationMetrics, datastore.Interface) {
	t.Helper()

	settings := &conf.Settings{}
	settings.Database.SQLite.Enabled = true
	settings.Database.SQLite.Path = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	store := datastore.New(settings)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })

	m, err := metrics.NewNotificationMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	pub := &fakePublisher{}
	return NewService(store, pub, m, 3), pub, m, store
}

func TestSendEmailCreatesPendingAndPublishes(t *testing.T) {
	svc, pub, _, _ := newTestService(t)
	ctx := context.Background()

	resp := svc.SendEmail(ctx, &EmailRequest{
		Recipient: "a@example.com",
		Subject:   "S",
		Message:   "M",
	})
	require.True(t, resp.Accepted())
	require.NotEmpty(t, resp.ID)
	assert.Equal(t, []string{resp.ID}, pub.published)

	n, err := svc.Status(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusPending, n.Status)
	assert.Equal(t, datastore.TypeEmail, n.Type)
}

func TestSendEmailRejectsInvalidWithoutRecord(t *testing.T) {
	svc, pub, _, store := newTestService(t)
	ctx := context.Background()

	resp := svc.SendEmail(ctx, &EmailRequest{Recipient: "", Subject: "S", Message: "M"})
	assert.False(t, resp.Accepted())
	assert.Empty(t, resp.ID)
	assert.Contains(t, resp.Message, "recipient")
	assert.Empty(t, pub.published)

	counts, err := store.CountByTypeAndStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestSendEmailPublishFailureLeavesPending(t *testing.T) {
	svc, pub, _, _ := newTestService(t)
	ctx := context.Background()

	pub.failNext = errors.NewStd("broker down")
	resp := svc.SendEmail(ctx, &EmailRequest{Recipient: "a@example.com", Subject: "S", Message: "M"})

	// The record survives so the stuck sweep can pick it up later.
	require.NotEmpty(t, resp.ID)
	n, err := svc.Status(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusPending, n.Status)
}

func TestSendBulkEmailIsolatesFailures(t *testing.T) {
	svc, pub, _, _ := newTestService(t)

	resp := svc.SendBulkEmail(context.Background(), &BulkEmailRequest{Items: []EmailRequest{
		{Recipient: "a@example.com", Subject: "S", Message: "M"},
		{Recipient: "", Subject: "S", Message: "M"},
		{Recipient: "b@example.com", Subject: "S", Message: "M"},
	}})

	assert.Equal(t, 3, resp.Stats.Total)
	assert.Equal(t, 2, resp.Stats.Succeeded)
	assert.Equal(t, 1, resp.Stats.Failed)
	require.Len(t, resp.Responses, 3)
	assert.False(t, resp.Responses[1].Accepted())
	assert.Len(t, pub.published, 2)
}

func TestMarkSentTransition(t *testing.T) {
	svc, _, m, _ := newTestService(t)
	ctx := context.Background()

	resp := svc.SendEmail(ctx, &EmailRequest{Recipient: "a@example.com", Subject: "S", Message: "M"})
	require.True(t, resp.Accepted())

	require.NoError(t, svc.MarkSent(ctx, resp.ID, 120*time.Millisecond))

	n, err := svc.Status(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusSent, n.Status)
	require.NotNil(t, n.SentAt)
	assert.Equal(t, int64(120), n.ProcessingTimeMs)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.EmailSentTotal), 0.001)
}

func TestMarkSentIdempotentOnDuplicateDelivery(t *testing.T) {
	svc, _, m, _ := newTestService(t)
	ctx := context.Background()

	resp := svc.SendEmail(ctx, &EmailRequest{Recipient: "a@example.com", Subject: "S", Message: "M"})
	require.NoError(t, svc.MarkSent(ctx, resp.ID, time.Millisecond))
	firstSentAt, err := svc.Status(ctx, resp.ID)
	require.NoError(t, err)

	// Second delivery of the same message must not mutate the record.
	require.NoError(t, svc.MarkSent(ctx, resp.ID, time.Millisecond))

	n, err := svc.Status(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, firstSentAt.SentAt.UnixNano(), n.SentAt.UnixNano())
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.EmailSentTotal), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.StatusTotal.WithLabelValues(datastore.TypeEmail, metrics.StatusSkipped)), 0.001)
}

func TestMarkFailedIncrementsRetryCount(t *testing.T) {
	svc, _, m, _ := newTestService(t)
	ctx := context.Background()

	resp := svc.SendEmail(ctx, &EmailRequest{Recipient: "a@example.com", Subject: "S", Message: "M"})
	require.NoError(t, svc.MarkFailed(ctx, resp.ID, errors.NewStd("smtp timeout")))

	n, err := svc.Status(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusFailed, n.Status)
	assert.Equal(t, 1, n.RetryCount)
	assert.Equal(t, "smtp timeout", n.ErrorMessage)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.EmailFailedTotal), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.RetryTotal.WithLabelValues(datastore.TypeEmail)), 0.001)

	// FAILED records can fail again; the counter keeps climbing.
	require.NoError(t, svc.MarkFailed(ctx, resp.ID, errors.NewStd("still down")))
	n, err = svc.Status(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n.RetryCount)
}

func TestMarkPermanentlyFailedRequiresExhaustedBudget(t *testing.T) {
	svc, pub, _, _ := newTestService(t)
	ctx := context.Background()

	resp := svc.SendEmail(ctx, &EmailRequest{Recipient: "a@example.com", Subject: "S", Message: "M"})
	require.NoError(t, svc.MarkFailed(ctx, resp.ID, errors.NewStd("boom")))

	err := svc.MarkPermanentlyFailed(ctx, resp.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
	assert.Empty(t, pub.deadLetters)
}

func TestMarkPermanentlyFailedPublishesDeadLetter(t *testing.T) {
	svc, pub, m, _ := newTestService(t)
	ctx := context.Background()

	resp := svc.SendEmail(ctx, &EmailRequest{Recipient: "a@example.com", Subject: "S", Message: "M"})
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.MarkFailed(ctx, resp.ID, errors.NewStd("boom")))
	}

	require.NoError(t, svc.MarkPermanentlyFailed(ctx, resp.ID))

	n, err := svc.Status(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusFailedPermanently, n.Status)
	assert.Equal(t, []string{resp.ID}, pub.deadLetters)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.StatusTotal.WithLabelValues(datastore.TypeEmail, metrics.StatusPermanentFailure)), 0.001)

	// Calling again is a no-op, no second dead-letter publish.
	require.NoError(t, svc.MarkPermanentlyFailed(ctx, resp.ID))
	assert.Len(t, pub.deadLetters, 1)
}

func TestFinalizeDeadLetter(t *testing.T) {
	svc, _, m, _ := newTestService(t)
	ctx := context.Background()

	resp := svc.SendPush(ctx, &PushRequest{Recipient: "device-1", Title: "T", Message: "M"})
	require.True(t, resp.Accepted())

	require.NoError(t, svc.FinalizeDeadLetter(ctx, resp.ID))

	n, err := svc.Status(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusFailedPermanently, n.Status)
	assert.NotEmpty(t, n.ErrorMessage)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.StatusTotal.WithLabelValues(datastore.TypePush, metrics.StatusPermanentFailure)), 0.001)
}

func TestStatusUnknownID(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Status(context.Background(), uuid.NewString())
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

package datastore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tphakala/notify-go/internal/errors"
)

// newTestStore opens an isolated in-memory SQLite database per test.
func newTestStore(t *testing.T) *DataStore {
	t.Helper()

	// A named in-memory database keeps the schema visible to every pooled
	// connection while staying isolated from other tests.
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&Notification{}, &EmailProvider{}))

	ds := &DataStore{DB: db}
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return ds
}

func testProvider(name string, priority, dailyLimit, usage int) *EmailProvider {
	return &EmailProvider{
		ID:           uuid.NewString(),
		Name:         name,
		Host:         "smtp.example.com",
		Port:         587,
		Username:     "sender",
		Password:     "secret",
		FromEmail:    "noreply@example.com",
		Active:       true,
		Priority:     priority,
		DailyLimit:   dailyLimit,
		CurrentUsage: usage,
	}
}

func TestNotificationRoundTrip(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	n, err := NewEmailNotification("user@example.com", "Welcome", "Hello there", "", PriorityHigh)
	require.NoError(t, err)
	require.NoError(t, ds.SaveNotification(ctx, n))

	got, err := ds.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, TypeEmail, got.Type)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, PriorityHigh, got.Priority)
	assert.Equal(t, "user@example.com", got.Recipient)

	got.Status = StatusSent
	now := time.Now()
	got.SentAt = &now
	require.NoError(t, ds.UpdateNotification(ctx, got))

	updated, err := ds.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, updated.Status)
	require.NotNil(t, updated.SentAt)
}

func TestGetNotificationNotFound(t *testing.T) {
	ds := newTestStore(t)

	_, err := ds.GetNotification(context.Background(), uuid.NewString())
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestPendingCreatedBefore(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	stuck, err := NewEmailNotification("old@example.com", "Old", "stuck message", "", "")
	require.NoError(t, err)
	require.NoError(t, ds.SaveNotification(ctx, stuck))
	// Backdate past the cutoff without touching the status.
	require.NoError(t, ds.DB.Model(&Notification{}).
		Where("id = ?", stuck.ID).
		Update("created_at", time.Now().Add(-15*time.Minute)).Error)

	fresh, err := NewEmailNotification("new@example.com", "New", "fresh message", "", "")
	require.NoError(t, err)
	require.NoError(t, ds.SaveNotification(ctx, fresh))

	sent, err := NewEmailNotification("sent@example.com", "Sent", "done message", "", "")
	require.NoError(t, err)
	sent.Status = StatusSent
	require.NoError(t, ds.SaveNotification(ctx, sent))
	require.NoError(t, ds.DB.Model(&Notification{}).
		Where("id = ?", sent.ID).
		Update("created_at", time.Now().Add(-15*time.Minute)).Error)

	got, err := ds.PendingCreatedBefore(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stuck.ID, got[0].ID)
}

func TestFailedUnderRetryLimit(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	eligible, err := NewPushNotification("device-1", "Alert", "retry me", "")
	require.NoError(t, err)
	eligible.Status = StatusFailed
	eligible.RetryCount = 2
	require.NoError(t, ds.SaveNotification(ctx, eligible))

	exhausted, err := NewPushNotification("device-2", "Alert", "give up", "")
	require.NoError(t, err)
	exhausted.Status = StatusFailed
	exhausted.RetryCount = 3
	require.NoError(t, ds.SaveNotification(ctx, exhausted))

	got, err := ds.FailedUnderRetryLimit(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, eligible.ID, got[0].ID)
}

func TestCountByTypeAndStatus(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		n, err := NewEmailNotification("user@example.com", "S", "m", "", "")
		require.NoError(t, err)
		require.NoError(t, ds.SaveNotification(ctx, n))
	}
	p, err := NewPushNotification("device-1", "T", "m", "")
	require.NoError(t, err)
	p.Status = StatusSent
	require.NoError(t, ds.SaveNotification(ctx, p))

	counts, err := ds.CountByTypeAndStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[TypeEmail][StatusPending])
	assert.Equal(t, int64(1), counts[TypePush][StatusSent])
}

func TestProviderRoundTrip(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	p := testProvider("primary-smtp", 1, 1000, 0)
	require.NoError(t, ds.SaveProvider(ctx, p))

	got, err := ds.GetProvider(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "primary-smtp", got.Name)
	assert.True(t, got.Available())
}

func TestSaveProviderRejectsInvalid(t *testing.T) {
	ds := newTestStore(t)

	p := testProvider("bad", 0, 1000, 0)
	err := ds.SaveProvider(context.Background(), p)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestActiveProvidersOrdering(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	// Same priority, different usage; lower usage must sort first.
	busy := testProvider("busy", 1, 1000, 900)
	idle := testProvider("idle", 1, 1000, 10)
	backup := testProvider("backup", 2, 1000, 0)
	inactive := testProvider("inactive", 1, 1000, 0)
	inactive.Active = false

	for _, p := range []*EmailProvider{busy, idle, backup, inactive} {
		require.NoError(t, ds.SaveProvider(ctx, p))
	}

	got, err := ds.ActiveProviders(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "idle", got[0].Name)
	assert.Equal(t, "busy", got[1].Name)
	assert.Equal(t, "backup", got[2].Name)
}

func TestAvailableProvidersFiltersInSQL(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	open := testProvider("open", 1, 1000, 10)
	full := testProvider("full", 1, 100, 100)
	inactive := testProvider("inactive", 1, 1000, 0)
	inactive.Active = false

	for _, p := range []*EmailProvider{open, full, inactive} {
		require.NoError(t, ds.SaveProvider(ctx, p))
	}

	got, err := ds.AvailableProviders(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "open", got[0].Name)
}

func TestIncrementProviderUsageGuard(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	p := testProvider("nearly-full", 1, 2, 1)
	require.NoError(t, ds.SaveProvider(ctx, p))

	ok, err := ds.IncrementProviderUsage(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Limit reached, the guarded update must refuse further increments.
	ok, err = ds.IncrementProviderUsage(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := ds.GetProvider(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentUsage)
	require.NotNil(t, got.LastUsed)
}

func TestIncrementProviderUsageConcurrent(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	p := testProvider("contended", 1, 10, 0)
	require.NoError(t, ds.SaveProvider(ctx, p))

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ds.IncrementProviderUsage(ctx, p.ID)
			if err == nil && ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, err := ds.GetProvider(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.CurrentUsage)
	assert.Equal(t, 10, granted)
}

func TestResetProviderUsage(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	p := testProvider("resettable", 1, 100, 73)
	require.NoError(t, ds.SaveProvider(ctx, p))

	require.NoError(t, ds.ResetProviderUsage(ctx, p.ID))

	got, err := ds.GetProvider(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentUsage)
	require.NotNil(t, got.LastReset)

	err = ds.ResetProviderUsage(ctx, uuid.NewString())
	assert.True(t, errors.IsNotFound(err))
}

func TestSetProviderActive(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	p := testProvider("flappy", 1, 100, 0)
	require.NoError(t, ds.SaveProvider(ctx, p))

	require.NoError(t, ds.SetProviderActive(ctx, p.ID, false))
	got, err := ds.GetProvider(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	require.NoError(t, ds.SetProviderActive(ctx, p.ID, true))
	got, err = ds.GetProvider(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
}

func TestProvidersNeedingReset(t *testing.T) {
	ds := newTestStore(t)
	ctx := context.Background()

	yesterday := time.Now().Add(-24 * time.Hour)
	stale := testProvider("stale", 1, 100, 50)
	stale.LastReset = &yesterday
	require.NoError(t, ds.SaveProvider(ctx, stale))

	now := time.Now()
	current := testProvider("current", 1, 100, 5)
	current.LastReset = &now
	require.NoError(t, ds.SaveProvider(ctx, current))

	never := testProvider("never-reset", 1, 100, 0)
	require.NoError(t, ds.SaveProvider(ctx, never))

	due, err := ds.ProvidersNeedingReset(ctx, now)
	require.NoError(t, err)
	names := make([]string, 0, len(due))
	for i := range due {
		names = append(names, due[i].Name)
	}
	assert.ElementsMatch(t, []string{"stale", "never-reset"}, names)
}

// notifications.go: queries over notification lifecycle records
package datastore

import (
	"context"
	stderrors "errors"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/notify-go/internal/errors"
)

// SaveNotification inserts a new notification record.
func (ds *DataStore) SaveNotification(ctx context.Context, n *Notification) error {
	if err := ds.DB.WithContext(ctx).Create(n).Error; err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "save_notification").
			Context("notification_id", n.ID).
			Build()
	}
	return nil
}

// GetNotification loads a notification by its identifier.
func (ds *DataStore) GetNotification(ctx context.Context, id string) (*Notification, error) {
	var n Notification
	err := ds.DB.WithContext(ctx).First(&n, "id = ?", id).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFoundError("notification", id)
		}
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "get_notification").
			Context("notification_id", id).
			Build()
	}
	return &n, nil
}

// UpdateNotification persists the current state of a notification record.
func (ds *DataStore) UpdateNotification(ctx context.Context, n *Notification) error {
	if err := ds.DB.WithContext(ctx).Save(n).Error; err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "update_notification").
			Context("notification_id", n.ID).
			Build()
	}
	return nil
}

// PendingCreatedBefore returns PENDING notifications older than the cutoff.
// These are records whose dispatch message was lost or whose consumer died
// mid-flight, so the sweeper re-enqueues them.
func (ds *DataStore) PendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]Notification, error) {
	var stuck []Notification
	err := ds.DB.WithContext(ctx).
		Where("status = ? AND created_at < ?", StatusPending, cutoff).
		Order("created_at ASC").
		Find(&stuck).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "pending_created_before").
			Build()
	}
	return stuck, nil
}

// FailedUnderRetryLimit returns FAILED notifications that are still
// eligible for a manual retry pass.
func (ds *DataStore) FailedUnderRetryLimit(ctx context.Context, maxRetries int) ([]Notification, error) {
	var failed []Notification
	err := ds.DB.WithContext(ctx).
		Where("status = ? AND retry_count < ?", StatusFailed, maxRetries).
		Order("created_at ASC").
		Find(&failed).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "failed_under_retry_limit").
			Build()
	}
	return failed, nil
}

// CountByTypeAndStatus aggregates record counts keyed by type then status.
func (ds *DataStore) CountByTypeAndStatus(ctx context.Context) (map[string]map[string]int64, error) {
	type row struct {
		Type   string
		Status string
		Count  int64
	}
	var rows []row
	err := ds.DB.WithContext(ctx).
		Model(&Notification{}).
		Select("type, status, COUNT(*) as count").
		Group("type, status").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "count_by_type_and_status").
			Build()
	}

	counts := make(map[string]map[string]int64)
	for _, r := range rows {
		if counts[r.Type] == nil {
			counts[r.Type] = make(map[string]int64)
		}
		counts[r.Type][r.Status] = r.Count
	}
	return counts, nil
}

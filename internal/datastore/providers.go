// providers.go: queries over the email provider pool
package datastore

import (
	"context"
	stderrors "errors"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/notify-go/internal/errors"
)

// SaveProvider inserts or updates an email provider record.
func (ds *DataStore) SaveProvider(ctx context.Context, p *EmailProvider) error {
	if err := p.Validate(); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryValidation).
			Context("operation", "save_provider").
			Context("provider_name", p.Name).
			Build()
	}
	if err := ds.DB.WithContext(ctx).Save(p).Error; err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "save_provider").
			Context("provider_id", p.ID).
			Build()
	}
	return nil
}

// GetProvider loads a provider by its identifier.
func (ds *DataStore) GetProvider(ctx context.Context, id string) (*EmailProvider, error) {
	var p EmailProvider
	err := ds.DB.WithContext(ctx).First(&p, "id = ?", id).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFoundError("email provider", id)
		}
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "get_provider").
			Context("provider_id", id).
			Build()
	}
	return &p, nil
}

// ActiveProviders returns active providers ordered for routing:
// ascending priority first, then ascending current usage.
func (ds *DataStore) ActiveProviders(ctx context.Context) ([]EmailProvider, error) {
	var providers []EmailProvider
	err := ds.DB.WithContext(ctx).
		Where("active = ?", true).
		Order("priority ASC, current_usage ASC").
		Find(&providers).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "active_providers").
			Build()
	}
	return providers, nil
}

// AvailableProviders returns providers that can take a send right now:
// active with quota remaining, in routing order. Unlike ActiveProviders
// the availability filter runs in SQL, so the result is current even
// when a cached snapshot has gone stale.
func (ds *DataStore) AvailableProviders(ctx context.Context) ([]EmailProvider, error) {
	var providers []EmailProvider
	err := ds.DB.WithContext(ctx).
		Where("active = ? AND current_usage < daily_limit", true).
		Order("priority ASC, current_usage ASC").
		Find(&providers).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "available_providers").
			Build()
	}
	return providers, nil
}

// AllProviders returns every provider record, active or not.
func (ds *DataStore) AllProviders(ctx context.Context) ([]EmailProvider, error) {
	var providers []EmailProvider
	err := ds.DB.WithContext(ctx).
		Order("priority ASC, name ASC").
		Find(&providers).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "all_providers").
			Build()
	}
	return providers, nil
}

// IncrementProviderUsage consumes one unit of the provider's daily quota.
// The increment and the limit check run as a single guarded UPDATE so
// concurrent consumers can never push usage past the daily limit. It
// returns false when the quota was already exhausted or the provider is
// inactive.
func (ds *DataStore) IncrementProviderUsage(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	result := ds.DB.WithContext(ctx).
		Model(&EmailProvider{}).
		Where("id = ? AND active = ? AND current_usage < daily_limit", id, true).
		Updates(map[string]any{
			"current_usage": gorm.Expr("current_usage + 1"),
			"last_used":     now,
			"updated_at":    now,
		})
	if result.Error != nil {
		return false, errors.New(result.Error).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "increment_provider_usage").
			Context("provider_id", id).
			Build()
	}
	return result.RowsAffected == 1, nil
}

// ResetProviderUsage zeroes the daily usage counter and stamps the reset time.
func (ds *DataStore) ResetProviderUsage(ctx context.Context, id string) error {
	now := time.Now()
	result := ds.DB.WithContext(ctx).
		Model(&EmailProvider{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"current_usage": 0,
			"last_reset":    now,
			"updated_at":    now,
		})
	if result.Error != nil {
		return errors.New(result.Error).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "reset_provider_usage").
			Context("provider_id", id).
			Build()
	}
	if result.RowsAffected == 0 {
		return errors.NotFoundError("email provider", id)
	}
	return nil
}

// SetProviderActive flips the provider's routing eligibility.
func (ds *DataStore) SetProviderActive(ctx context.Context, id string, active bool) error {
	result := ds.DB.WithContext(ctx).
		Model(&EmailProvider{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"active":     active,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return errors.New(result.Error).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "set_provider_active").
			Context("provider_id", id).
			Build()
	}
	if result.RowsAffected == 0 {
		return errors.NotFoundError("email provider", id)
	}
	return nil
}

// ProvidersNeedingReset returns providers whose usage counter belongs to a
// previous calendar day. The date comparison happens in Go rather than SQL
// so SQLite and MySQL behave identically.
func (ds *DataStore) ProvidersNeedingReset(ctx context.Context, now time.Time) ([]EmailProvider, error) {
	providers, err := ds.AllProviders(ctx)
	if err != nil {
		return nil, err
	}
	var due []EmailProvider
	for i := range providers {
		if providers[i].NeedsReset(now) {
			due = append(due, providers[i])
		}
	}
	return due, nil
}

package mailer

import (
	"context"
	"log/slog"
	"time"

	"github.com/tphakala/notify-go/internal/datastore"
	"github.com/tphakala/notify-go/internal/logging"
	"github.com/tphakala/notify-go/internal/observability/metrics"
)

// UsageResetter zeroes daily usage counters for providers whose last
// reset happened on a previous day. Driven by the daily cron entry.
type UsageResetter struct {
	store   datastore.Interface
	cache   *ProviderCache
	metrics *metrics.NotificationMetrics
	logger  *slog.Logger
}

// NewUsageResetter creates the daily usage reset sweep.
func NewUsageResetter(store datastore.Interface, providerCache *ProviderCache, m *metrics.NotificationMetrics) *UsageResetter {
	return &UsageResetter{
		store:   store,
		cache:   providerCache,
		metrics: m,
		logger:  logging.ForService("mailer"),
	}
}

// Run resets every provider that is due. Errors on individual providers
// are logged and do not stop the sweep.
func (ur *UsageResetter) Run(ctx context.Context, now time.Time) {
	due, err := ur.store.ProvidersNeedingReset(ctx, now)
	if err != nil {
		ur.logger.Error("usage reset sweep could not list providers", "error", err)
		return
	}

	reset := 0
	for i := range due {
		p := &due[i]
		if err := ur.store.ResetProviderUsage(ctx, p.ID); err != nil {
			ur.logger.Error("failed to reset provider usage", "provider", p.Name, "error", err)
			continue
		}
		if ur.metrics != nil {
			ur.metrics.SetProviderUsage(p.Name, 0)
		}
		reset++
	}

	if reset > 0 {
		ur.cache.Invalidate()
		ur.logger.Info("daily provider usage reset", "providers_reset", reset)
	}
}

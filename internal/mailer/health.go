package mailer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tphakala/notify-go/internal/datastore"
	"github.com/tphakala/notify-go/internal/logging"
)

// HealthChecker periodically probes the provider pool. Active providers
// that fail a probe are deactivated; inactive providers are reactivated
// after a configurable number of consecutive successful probes.
type HealthChecker struct {
	store             datastore.Interface
	sender            Sender
	cache             *ProviderCache
	recoveryThreshold int

	mu        sync.Mutex
	successes map[string]int // consecutive successful probes per inactive provider
	logger    *slog.Logger
}

// NewHealthChecker creates a health checker over the provider pool.
func NewHealthChecker(store datastore.Interface, sender Sender, providerCache *ProviderCache, recoveryThreshold int) *HealthChecker {
	if recoveryThreshold < 1 {
		recoveryThreshold = 1
	}
	return &HealthChecker{
		store:             store,
		sender:            sender,
		cache:             providerCache,
		recoveryThreshold: recoveryThreshold,
		successes:         make(map[string]int),
		logger:            logging.ForService("mailer"),
	}
}

// Run probes every provider once. Intended to be driven by a cron entry.
func (hc *HealthChecker) Run(ctx context.Context) {
	providers, err := hc.store.AllProviders(ctx)
	if err != nil {
		hc.logger.Error("health check could not list providers", "error", err)
		return
	}

	changed := false
	for i := range providers {
		p := &providers[i]
		if hc.checkProvider(ctx, p) {
			changed = true
		}
	}
	if changed {
		hc.cache.Invalidate()
	}
}

// checkProvider probes one provider and applies the activation policy.
// It reports whether the provider's routing eligibility changed.
func (hc *HealthChecker) checkProvider(ctx context.Context, p *datastore.EmailProvider) bool {
	probeErr := hc.sender.Probe(ctx, p)

	hc.mu.Lock()
	defer hc.mu.Unlock()

	switch {
	case p.Active && probeErr != nil:
		delete(hc.successes, p.ID)
		if err := hc.store.SetProviderActive(ctx, p.ID, false); err != nil {
			hc.logger.Error("failed to deactivate unhealthy provider", "provider", p.Name, "error", err)
			return false
		}
		hc.logger.Warn("provider deactivated after failed probe", "provider", p.Name, "error", probeErr)
		return true

	case !p.Active && probeErr == nil:
		hc.successes[p.ID]++
		if hc.successes[p.ID] < hc.recoveryThreshold {
			hc.logger.Debug("inactive provider probe succeeded",
				"provider", p.Name, "streak", hc.successes[p.ID], "needed", hc.recoveryThreshold)
			return false
		}
		delete(hc.successes, p.ID)
		if err := hc.store.SetProviderActive(ctx, p.ID, true); err != nil {
			hc.logger.Error("failed to reactivate provider", "provider", p.Name, "error", err)
			return false
		}
		hc.logger.Info("provider reactivated after recovery streak", "provider", p.Name)
		return true

	case !p.Active && probeErr != nil:
		// A failed probe resets the recovery streak.
		delete(hc.successes, p.ID)
		return false

	default:
		return false
	}
}

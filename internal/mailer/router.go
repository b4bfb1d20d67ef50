package mailer

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/tphakala/notify-go/internal/datastore"
	"github.com/tphakala/notify-go/internal/errors"
	"github.com/tphakala/notify-go/internal/logging"
	"github.com/tphakala/notify-go/internal/observability/metrics"
)

// Router selects an email provider for each dispatch and fails over to
// the next candidate when a send attempt errors. One Router instance is
// shared by all consumer workers.
type Router struct {
	store   datastore.Interface
	cache   *ProviderCache
	sender  Sender
	metrics *metrics.NotificationMetrics
	logger  *slog.Logger

	// cursor rotates the starting candidate among equally ranked
	// providers. It never overrides the priority/usage ordering.
	cursor atomic.Uint64
}

// NewRouter wires a provider router from its collaborators.
func NewRouter(store datastore.Interface, providerCache *ProviderCache, sender Sender, m *metrics.NotificationMetrics) *Router {
	return &Router{
		store:   store,
		cache:   providerCache,
		sender:  sender,
		metrics: m,
		logger:  logging.ForService("mailer"),
	}
}

// exhaustionError reports that no provider in the pool can take the send.
func exhaustionError() error {
	return errors.Newf("no email provider available").
		Component("mailer").
		Category(errors.CategoryProviderExhaustion).
		Build()
}

// Deliver routes one email notification through the provider pool.
// Candidates are tried in (priority asc, usage ratio asc) order, each at
// most once. A provider whose send fails is deactivated for the health
// checker to reconsider and the next candidate is tried.
func (r *Router) Deliver(ctx context.Context, n *datastore.Notification) error {
	providers, err := r.cache.Providers(ctx)
	if err != nil {
		return err
	}

	candidates := r.rank(providers)
	if len(candidates) == 0 {
		// The snapshot may be stale; confirm against the store before
		// declaring the pool exhausted.
		fresh, err := r.store.AvailableProviders(ctx)
		if err != nil {
			return err
		}
		if len(fresh) > 0 {
			r.cache.Invalidate()
			candidates = r.rank(fresh)
		}
	}
	if len(candidates) == 0 {
		if r.metrics != nil {
			r.metrics.RecordProviderExhausted()
		}
		r.logger.Warn("provider pool exhausted", "notification_id", n.ID)
		return exhaustionError()
	}

	var lastErr error
	for i := range candidates {
		p := &candidates[i]
		if err := r.sender.Send(ctx, p, n); err != nil {
			lastErr = err
			if r.metrics != nil {
				r.metrics.RecordProviderSend(p.Name, "error")
			}
			r.logger.Warn("provider send failed, deactivating and failing over",
				"notification_id", n.ID, "provider", p.Name, "error", err)
			r.deactivate(ctx, p)
			continue
		}

		r.recordSuccess(ctx, p)
		r.logger.Debug("email delivered", "notification_id", n.ID, "provider", p.Name)
		return nil
	}

	return errors.New(lastErr).
		Component("mailer").
		Category(errors.CategoryDelivery).
		Context("notification_id", n.ID).
		Context("providers_tried", len(candidates)).
		Build()
}

// rank filters the snapshot to available providers, sorts them by
// (priority asc, usage ratio asc), then rotates the leading group of
// equally ranked providers by the round-robin cursor.
func (r *Router) rank(providers []datastore.EmailProvider) []datastore.EmailProvider {
	candidates := make([]datastore.EmailProvider, 0, len(providers))
	for i := range providers {
		if providers[i].Available() {
			candidates = append(candidates, providers[i])
		}
	}
	if len(candidates) == 0 {
		return candidates
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].UsageRatio() < candidates[j].UsageRatio()
	})

	// Size of the group tied with the best candidate.
	group := 1
	for group < len(candidates) &&
		candidates[group].Priority == candidates[0].Priority &&
		candidates[group].UsageRatio() == candidates[0].UsageRatio() {
		group++
	}
	if group > 1 {
		offset := int(r.cursor.Add(1) % uint64(group))
		rotated := make([]datastore.EmailProvider, 0, group)
		rotated = append(rotated, candidates[offset:group]...)
		rotated = append(rotated, candidates[:offset]...)
		copy(candidates, rotated)
	}
	return candidates
}

// recordSuccess consumes the provider's quota and updates metrics. The
// increment is a guarded single UPDATE, so concurrent routers can never
// push usage past the daily limit.
func (r *Router) recordSuccess(ctx context.Context, p *datastore.EmailProvider) {
	granted, err := r.store.IncrementProviderUsage(ctx, p.ID)
	if err != nil {
		r.logger.Error("failed to persist provider usage", "provider", p.Name, "error", err)
		return
	}
	if !granted {
		// The quota filled up between the snapshot and the send; the
		// counter stays capped at the limit.
		r.logger.Warn("provider quota reached during send", "provider", p.Name)
		r.cache.Invalidate()
	}
	if r.metrics != nil {
		r.metrics.RecordProviderSend(p.Name, "success")
		usage := p.CurrentUsage + 1
		if usage > p.DailyLimit {
			usage = p.DailyLimit
		}
		r.metrics.SetProviderUsage(p.Name, usage)
	}
}

// deactivate flags a failing provider inactive and drops the cache so
// subsequent dispatches stop selecting it.
func (r *Router) deactivate(ctx context.Context, p *datastore.EmailProvider) {
	if err := r.store.SetProviderActive(ctx, p.ID, false); err != nil {
		r.logger.Error("failed to deactivate provider", "provider", p.Name, "error", err)
		return
	}
	r.cache.Invalidate()
}

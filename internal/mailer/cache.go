package mailer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tphakala/notify-go/internal/datastore"
	"github.com/tphakala/notify-go/internal/logging"
)

const activeProvidersKey = "active_providers"

// ProviderCache holds a snapshot of active providers so the router does
// not hit the store on every dispatch. Reads go through go-cache without
// locking; refreshes are serialized by a mutex.
type ProviderCache struct {
	store     datastore.Interface
	cache     *cache.Cache
	ttl       time.Duration
	refreshMu sync.Mutex
	logger    *slog.Logger
}

// NewProviderCache creates a provider snapshot cache with the given TTL.
func NewProviderCache(store datastore.Interface, ttl time.Duration) *ProviderCache {
	return &ProviderCache{
		store:  store,
		cache:  cache.New(ttl, ttl*2),
		ttl:    ttl,
		logger: logging.ForService("mailer"),
	}
}

// Providers returns the cached active-provider snapshot, reloading it
// from the store when missing or expired.
func (pc *ProviderCache) Providers(ctx context.Context) ([]datastore.EmailProvider, error) {
	if v, found := pc.cache.Get(activeProvidersKey); found {
		snapshot := v.([]datastore.EmailProvider)
		out := make([]datastore.EmailProvider, len(snapshot))
		copy(out, snapshot)
		return out, nil
	}
	return pc.Refresh(ctx)
}

// Refresh invalidates the snapshot and reloads it from the store.
func (pc *ProviderCache) Refresh(ctx context.Context) ([]datastore.EmailProvider, error) {
	pc.refreshMu.Lock()
	defer pc.refreshMu.Unlock()

	// Another refresher may have filled the cache while we waited.
	if v, found := pc.cache.Get(activeProvidersKey); found {
		snapshot := v.([]datastore.EmailProvider)
		out := make([]datastore.EmailProvider, len(snapshot))
		copy(out, snapshot)
		return out, nil
	}

	providers, err := pc.store.ActiveProviders(ctx)
	if err != nil {
		return nil, err
	}
	pc.cache.Set(activeProvidersKey, providers, pc.ttl)
	pc.logger.Debug("provider cache refreshed", "providers", len(providers))

	out := make([]datastore.EmailProvider, len(providers))
	copy(out, providers)
	return out, nil
}

// Invalidate drops the snapshot so the next read reloads from the store.
func (pc *ProviderCache) Invalidate() {
	pc.cache.Delete(activeProvidersKey)
}

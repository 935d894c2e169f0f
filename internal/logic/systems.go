package logic

import (
	"context"
	"time"

	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/store"
	"github.com/jellydator/ttlcache/v3"
)

const systemCacheTTL = 30 * time.Second

// SystemResolver answers "which functional system does this device belong
// to" with a short-lived cache in front of the durable store. Negative
// answers are cached too, most devices belong to no system.
type SystemResolver struct {
	systems store.System
	cache   *ttlcache.Cache[string, *domain.FunctionalSystem]
}

func NewSystemResolver(systems store.System) *SystemResolver {
	cache := ttlcache.New[string, *domain.FunctionalSystem](
		ttlcache.WithTTL[string, *domain.FunctionalSystem](systemCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *domain.FunctionalSystem](),
	)
	go cache.Start()
	return &SystemResolver{systems: systems, cache: cache}
}

func (r *SystemResolver) SystemForDevice(ctx context.Context, id domain.DeviceId) (*domain.FunctionalSystem, error) {
	key := id.String()
	if item := r.cache.Get(key); item != nil {
		return item.Value(), nil
	}
	system, err := r.systems.GetByDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, system, ttlcache.DefaultTTL)
	return system, nil
}

func (r *SystemResolver) SystemById(ctx context.Context, systemId string) (*domain.FunctionalSystem, error) {
	return r.systems.Get(ctx, systemId)
}

// Invalidate drops cached membership answers, called after a system is
// created, updated or deleted.
func (r *SystemResolver) Invalidate() {
	r.cache.DeleteAll()
}

func (r *SystemResolver) Stop() {
	r.cache.Stop()
}

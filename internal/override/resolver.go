package override

import (
	"context"
	"sort"
	"time"

	"github.com/calcifer-iot/calcifer/internal/domain"
)

// Resolver decides which single override, if any, replaces a device's
// intent. Precedence: category descending, then DEVICE scope over SYSTEM
// (device scope is more specific), then newest first. Expired overrides are
// filtered before sorting; safety categories never appear here.
type Resolver struct {
	overrides *Store
	now       func() time.Time
}

func NewResolver(overrides *Store) *Resolver {
	return &Resolver{overrides: overrides, now: time.Now}
}

func (r *Resolver) ResolveEffective(ctx context.Context, deviceId domain.DeviceId, systemId *string) (*domain.Override, error) {
	candidates, err := r.overrides.FindActiveByTarget(ctx, deviceId.String())
	if err != nil {
		return nil, err
	}
	if systemId != nil && *systemId != "" {
		systemOverrides, err := r.overrides.FindActiveByTarget(ctx, *systemId)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, systemOverrides...)
	}

	now := r.now().UTC()
	active := candidates[:0]
	for _, o := range candidates {
		if !o.IsExpired(now) && o.Category.IsOverridable() {
			active = append(active, o)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}
	sortByPrecedence(active)
	return &active[0], nil
}

func sortByPrecedence(overrides []domain.Override) {
	sort.SliceStable(overrides, func(i, j int) bool {
		a, b := overrides[i], overrides[j]
		if a.Category != b.Category {
			return a.Category > b.Category
		}
		if a.Scope != b.Scope {
			return a.Scope == domain.ScopeDevice
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

func sortByCategoryDesc(overrides []domain.Override) {
	sort.SliceStable(overrides, func(i, j int) bool {
		return overrides[i].Category > overrides[j].Category
	})
}

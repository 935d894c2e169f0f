package override

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/kvstore"
	"github.com/calcifer-iot/calcifer/internal/store"
	"github.com/sirupsen/logrus"
)

// Store is the override pipeline's storage: a durable primary (Postgres)
// with a write-through hot cache and a priority-ordered secondary index in
// the kv store. The durable store is always written first; a failed primary
// write never dirties the cache.
type Store struct {
	durable store.Override
	kv      kvstore.KVStore
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewStore(durable store.Override, kv kvstore.KVStore, log logrus.FieldLogger) *Store {
	return &Store{durable: durable, kv: kv, log: log, now: time.Now}
}

func hotKey(targetId string, category domain.OverrideCategory) string {
	return fmt.Sprintf("override:%s:%s", targetId, category)
}

func indexKey(targetId string) string {
	return fmt.Sprintf("override:index:%s", targetId)
}

// cacheRecord is the hot-store serialization of an override.
type cacheRecord struct {
	TargetId  string               `json:"targetId"`
	Scope     domain.OverrideScope `json:"scope"`
	Category  string               `json:"category"`
	Value     json.RawMessage      `json:"value"`
	Reason    string               `json:"reason,omitempty"`
	CreatedBy string               `json:"createdBy,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	ExpiresAt *time.Time           `json:"expiresAt,omitempty"`
}

func encodeCacheRecord(o domain.Override) ([]byte, error) {
	raw, err := domain.MarshalValue(o.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cacheRecord{
		TargetId:  o.TargetId,
		Scope:     o.Scope,
		Category:  o.Category.String(),
		Value:     raw,
		Reason:    o.Reason,
		CreatedBy: o.CreatedBy,
		CreatedAt: o.CreatedAt,
		ExpiresAt: o.ExpiresAt,
	})
}

func decodeCacheRecord(data []byte) (domain.Override, error) {
	var rec cacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Override{}, err
	}
	category, err := domain.ParseOverrideCategory(rec.Category)
	if err != nil {
		return domain.Override{}, err
	}
	value, err := domain.UnmarshalValue(rec.Value)
	if err != nil {
		return domain.Override{}, err
	}
	return domain.Override{
		TargetId:  rec.TargetId,
		Scope:     rec.Scope,
		Category:  category,
		Value:     value,
		Reason:    rec.Reason,
		CreatedBy: rec.CreatedBy,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Save upserts by (targetId, category): durable store first, then cache.
// Cache entries inherit their TTL from expiresAt.
func (s *Store) Save(ctx context.Context, o domain.Override) (domain.Override, error) {
	saved, err := s.durable.Upsert(ctx, o)
	if err != nil {
		return domain.Override{}, err
	}
	if err := s.prime(ctx, saved); err != nil {
		// The durable write stands; the cache heals on the next read.
		s.log.WithError(err).Warnf("failed priming override cache for %s/%s", saved.TargetId, saved.Category)
	}
	return saved, nil
}

func (s *Store) prime(ctx context.Context, o domain.Override) error {
	data, err := encodeCacheRecord(o)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if o.ExpiresAt != nil {
		ttl = time.Until(*o.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	if err := s.kv.Set(ctx, hotKey(o.TargetId, o.Category), data, ttl); err != nil {
		return err
	}
	return s.kv.ZAdd(ctx, indexKey(o.TargetId), float64(o.Category.Ordinal()), o.Category.String())
}

func (s *Store) DeleteByTargetAndCategory(ctx context.Context, targetId string, category domain.OverrideCategory) (bool, error) {
	deleted, err := s.durable.Delete(ctx, targetId, category)
	if err != nil {
		return false, err
	}
	if err := s.evict(ctx, targetId, category); err != nil {
		s.log.WithError(err).Warnf("failed evicting override cache for %s/%s", targetId, category)
	}
	return deleted, nil
}

func (s *Store) evict(ctx context.Context, targetId string, category domain.OverrideCategory) error {
	if err := s.kv.Del(ctx, hotKey(targetId, category)); err != nil {
		return err
	}
	return s.kv.ZRem(ctx, indexKey(targetId), category.String())
}

func (s *Store) FindByTargetAndCategory(ctx context.Context, targetId string, category domain.OverrideCategory) (*domain.Override, error) {
	data, err := s.kv.Get(ctx, hotKey(targetId, category))
	if err == nil && data != nil {
		o, decodeErr := decodeCacheRecord(data)
		if decodeErr == nil {
			return &o, nil
		}
		s.log.WithError(decodeErr).Warnf("corrupt override cache entry for %s/%s", targetId, category)
	}
	if err != nil {
		s.log.WithError(err).Warnf("override cache read failed for %s/%s, falling back to primary", targetId, category)
	}

	o, err := s.durable.Get(ctx, targetId, category)
	if err != nil || o == nil {
		return nil, err
	}
	if err := s.prime(ctx, *o); err != nil {
		s.log.WithError(err).Warnf("failed re-priming override cache for %s/%s", targetId, category)
	}
	return o, nil
}

// FindActiveByTarget returns the target's overrides sorted descending by
// category priority. Expired entries are filtered, never returned.
func (s *Store) FindActiveByTarget(ctx context.Context, targetId string) ([]domain.Override, error) {
	now := s.now().UTC()
	categories, err := s.kv.ZRevRange(ctx, indexKey(targetId))
	if err != nil {
		s.log.WithError(err).Warnf("override index read failed for %s, falling back to primary", targetId)
		return s.activeFromDurable(ctx, targetId, now)
	}

	var out []domain.Override
	for _, name := range categories {
		category, err := domain.ParseOverrideCategory(name)
		if err != nil {
			s.log.Warnf("dropping malformed index member %q for %s", name, targetId)
			_ = s.kv.ZRem(ctx, indexKey(targetId), name)
			continue
		}
		o, err := s.FindByTargetAndCategory(ctx, targetId, category)
		if err != nil {
			return nil, err
		}
		if o == nil {
			// Index entry outlived the record; drop it.
			_ = s.kv.ZRem(ctx, indexKey(targetId), name)
			continue
		}
		if o.IsExpired(now) {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (s *Store) activeFromDurable(ctx context.Context, targetId string, now time.Time) ([]domain.Override, error) {
	overrides, err := s.durable.ListByTarget(ctx, targetId)
	if err != nil {
		return nil, err
	}
	var out []domain.Override
	for _, o := range overrides {
		if !o.IsExpired(now) {
			out = append(out, o)
		}
	}
	sortByCategoryDesc(out)
	return out, nil
}

// FindExpired lists overrides whose expiry has passed, from the durable
// primary so nothing slips through a cold cache.
func (s *Store) FindExpired(ctx context.Context) ([]domain.Override, error) {
	return s.durable.ListExpired(ctx, s.now().UTC())
}

// Warmup loads all non-expired overrides from the primary store into the
// cache. Called once at startup.
func (s *Store) Warmup(ctx context.Context) error {
	overrides, err := s.durable.ListActive(ctx, s.now().UTC())
	if err != nil {
		return err
	}
	for _, o := range overrides {
		if err := s.prime(ctx, o); err != nil {
			return err
		}
	}
	s.log.Infof("warmed override cache with %d entries", len(overrides))
	return nil
}

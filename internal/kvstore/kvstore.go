package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// KVStore is the hot-state store shared by the twin store, the override
// cache and the idempotency filter. All values are opaque bytes; composite
// records use hashes, indexes use sets and sorted sets.
type KVStore interface {
	Close()
	Ping(ctx context.Context) error

	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HSetIfEpoch writes fields into the hash at key only if the hash's
	// "epoch" field still equals expectedEpoch (0 for a hash that does not
	// exist yet), bumping the epoch in the same atomic step. Returns false
	// without writing when the epoch moved.
	HSetIfEpoch(ctx context.Context, key string, expectedEpoch int64, fields map[string]string) (bool, error)
	HDel(ctx context.Context, key string, fields ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	// ZRevRange returns all members of the sorted set at key ordered by
	// descending score.
	ZRevRange(ctx context.Context, key string) ([]string, error)

	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// Lua script for the per-device epoch CAS. A missing hash counts as epoch 0
// so first writers and concurrent creators race through the same gate.
const casScript = `
local cur = redis.call('HGET', KEYS[1], 'epoch')
if not cur then cur = '0' end
if cur ~= ARGV[1] then
	return 0
end
for i = 2, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('HSET', KEYS[1], 'epoch', tonumber(cur) + 1)
return 1
`

type kvStore struct {
	client *redis.Client
	cas    *redis.Script
	log    logrus.FieldLogger
}

func NewKVStore(ctx context.Context, log logrus.FieldLogger, hostname string, port uint, password string) (KVStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", hostname, port),
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed connecting to kv store: %w", err)
	}
	return &kvStore{client: client, cas: redis.NewScript(casScript), log: log}, nil
}

func (s *kvStore) Close() {
	if err := s.client.Close(); err != nil {
		s.log.WithError(err).Error("failed closing kv store client")
	}
}

func (s *kvStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *kvStore) Get(ctx context.Context, key string) ([]byte, error) {
	ret, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return ret, err
}

func (s *kvStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Sets the key to value only if the key does Not eXist. Returns a boolean
// indicating if the value was stored by this call.
func (s *kvStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed storing key: %w", err)
	}
	return ok, nil
}

func (s *kvStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *kvStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *kvStore) HSetIfEpoch(ctx context.Context, key string, expectedEpoch int64, fields map[string]string) (bool, error) {
	args := make([]interface{}, 0, 1+2*len(fields))
	args = append(args, fmt.Sprintf("%d", expectedEpoch))
	for f, v := range fields {
		args = append(args, f, v)
	}
	ret, err := s.cas.Run(ctx, s.client, []string{key}, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("failed epoch-gated write: %w", err)
	}
	return ret == 1, nil
}

func (s *kvStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.HDel(ctx, key, fields...).Err()
}

func (s *kvStore) SAdd(ctx context.Context, key string, members ...string) error {
	return s.client.SAdd(ctx, key, toAnySlice(members)...).Err()
}

func (s *kvStore) SRem(ctx context.Context, key string, members ...string) error {
	return s.client.SRem(ctx, key, toAnySlice(members)...).Err()
}

func (s *kvStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *kvStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *kvStore) ZRem(ctx context.Context, key string, members ...string) error {
	return s.client.ZRem(ctx, key, toAnySlice(members)...).Err()
}

func (s *kvStore) ZRevRange(ctx context.Context, key string) ([]string, error) {
	return s.client.ZRevRange(ctx, key, 0, -1).Result()
}

func (s *kvStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed listing keys: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func toAnySlice(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

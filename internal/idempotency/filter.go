package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/instrumentation/metrics"
	"github.com/calcifer-iot/calcifer/internal/kvstore"
	"github.com/sirupsen/logrus"
)

const DefaultTTL = 5 * time.Minute

// Filter deduplicates inbound feedback messages over a short window using
// atomic set-if-absent in the hot store. The broker's message id is the
// preferred key; without one the key is a content hash of the message.
//
// Only OUTPUT feedback is filtered. Sensor time series pass through, every
// sample matters there.
type Filter struct {
	kv      kvstore.KVStore
	ttl     time.Duration
	log     logrus.FieldLogger
	metrics *metrics.KernelMetrics
}

func NewFilter(kv kvstore.KVStore, ttl time.Duration, log logrus.FieldLogger, m *metrics.KernelMetrics) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{kv: kv, ttl: ttl, log: log, metrics: m}
}

// Accept reports whether the message should be processed. The first caller
// with a given key wins; repeats within the TTL are dropped.
func (f *Filter) Accept(ctx context.Context, id domain.DeviceId, messageId string, receivedAt time.Time, rawValue string) (bool, error) {
	key := f.key(id, messageId, receivedAt, rawValue)
	fresh, err := f.kv.SetNX(ctx, key, []byte{'1'}, f.ttl)
	if err != nil {
		return false, fmt.Errorf("idempotency check for %s: %w", id, err)
	}
	if !fresh {
		f.metrics.IdempotencyDrops.Inc()
		f.log.WithField("device", id.String()).Debug("dropping duplicate feedback message")
	}
	return fresh, nil
}

func (f *Filter) key(id domain.DeviceId, messageId string, receivedAt time.Time, rawValue string) string {
	if messageId != "" {
		return "dedup:msg:" + messageId
	}
	sum := sha256.Sum256([]byte(id.String() + "\x00" + receivedAt.UTC().Format(time.RFC3339Nano) + "\x00" + rawValue))
	return "dedup:hash:" + hex.EncodeToString(sum[:16])
}

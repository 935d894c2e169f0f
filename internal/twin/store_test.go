package twin

import (
	"context"
	"testing"
	"time"

	"github.com/calcifer-iot/calcifer/internal/cferrors"
	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/instrumentation/metrics"
	"github.com/calcifer-iot/calcifer/internal/kvstore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (Store, kvstore.KVStore) {
	t.Helper()
	kv := kvstore.NewInMemory()
	log := logrus.New()
	return NewStore(kv, log, metrics.NewKernelMetrics(), 3), kv
}

func fanId(t *testing.T) domain.DeviceId {
	t.Helper()
	id, err := domain.NewDeviceId("termocamino", "fan")
	require.NoError(t, err)
	return id
}

func TestSaveAndFindIntent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id := fanId(t)

	intent, err := domain.NewUserIntent(id, domain.DeviceTypeFan, domain.FanValue{Speed: 2}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SaveIntent(ctx, intent))

	found, err := s.FindIntent(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.True(t, found.Value.Equal(domain.FanValue{Speed: 2}))
	require.Equal(t, domain.DeviceTypeFan, found.DeviceType)
}

func TestFindOnMissingDevice(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	intent, err := s.FindIntent(ctx, fanId(t))
	require.NoError(t, err)
	require.Nil(t, intent)

	_, err = s.FindTwinSnapshot(ctx, fanId(t))
	require.ErrorIs(t, err, cferrors.ErrDeviceNotFound)
}

func TestSlotsAreOrthogonal(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id := fanId(t)

	intent, err := domain.NewUserIntent(id, domain.DeviceTypeFan, domain.FanValue{Speed: 2}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SaveIntent(ctx, intent))

	reported, err := domain.NewReportedState(id, domain.DeviceTypeFan, domain.FanValue{Speed: 0}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SaveReported(ctx, reported))

	desired, err := domain.NewDesiredState(id, domain.DeviceTypeFan, domain.FanValue{Speed: 2})
	require.NoError(t, err)
	require.NoError(t, s.SaveDesired(ctx, desired))

	snapshot, err := s.FindTwinSnapshot(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, snapshot.Intent)
	require.NotNil(t, snapshot.Reported)
	require.NotNil(t, snapshot.Desired)
	require.Equal(t, domain.DeviceTypeFan, snapshot.DeviceType)
	require.False(t, snapshot.IsConverged())

	// Overwriting one slot leaves the others untouched.
	reported2, err := domain.NewReportedState(id, domain.DeviceTypeFan, domain.FanValue{Speed: 2}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SaveReported(ctx, reported2))

	snapshot, err = s.FindTwinSnapshot(ctx, id)
	require.NoError(t, err)
	require.True(t, snapshot.Intent.Value.Equal(domain.FanValue{Speed: 2}))
	require.True(t, snapshot.IsConverged())
}

func TestTypeInconsistencyRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id := fanId(t)

	intent, err := domain.NewUserIntent(id, domain.DeviceTypeFan, domain.FanValue{Speed: 2}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SaveIntent(ctx, intent))

	reported, err := domain.NewReportedState(id, domain.DeviceTypeRelay, domain.RelayValue{On: true}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SaveReported(ctx, reported))

	_, err = s.FindTwinSnapshot(ctx, id)
	require.ErrorIs(t, err, cferrors.ErrTypeInconsistency)
}

func TestUnknownReportedRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id := fanId(t)

	require.NoError(t, s.SaveReported(ctx, domain.UnknownReportedState(id, domain.DeviceTypeFan, time.Now())))

	found, err := s.FindReported(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.False(t, found.IsKnown)
	require.Nil(t, found.Value)
}

func TestActiveOutputIndex(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id := fanId(t)

	desired, err := domain.NewDesiredState(id, domain.DeviceTypeFan, domain.FanValue{Speed: 1})
	require.NoError(t, err)
	require.NoError(t, s.SaveDesired(ctx, desired))

	outputs, err := s.FindAllActiveOutputs(ctx)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, id, outputs[0].DeviceId)

	require.NoError(t, s.DeleteDevice(ctx, id))
	outputs, err = s.FindAllActiveOutputs(ctx)
	require.NoError(t, err)
	require.Empty(t, outputs)
}

func TestSweepOrphanIndex(t *testing.T) {
	ctx := context.Background()
	s, kv := newTestStore(t)
	id := fanId(t)

	desired, err := domain.NewDesiredState(id, domain.DeviceTypeFan, domain.FanValue{Speed: 1})
	require.NoError(t, err)
	require.NoError(t, s.SaveDesired(ctx, desired))

	// Simulate a crashed delete that removed the hash but not the index.
	require.NoError(t, kv.Del(ctx, "device:termocamino:fan"))

	removed, err := s.SweepOrphanIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	outputs, err := s.FindAllActiveOutputs(ctx)
	require.NoError(t, err)
	require.Empty(t, outputs)
}

func TestLastActivityAdvances(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id := fanId(t)

	before, err := s.FindLastActivity(ctx, id)
	require.NoError(t, err)
	require.Nil(t, before)

	intent, err := domain.NewUserIntent(id, domain.DeviceTypeFan, domain.FanValue{Speed: 2}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SaveIntent(ctx, intent))

	after, err := s.FindLastActivity(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, after)
	require.WithinDuration(t, time.Now(), *after, time.Minute)
}

// conflictingKV forces the first n CAS commits to fail so the retry loop is
// exercised without a second writer.
type conflictingKV struct {
	kvstore.KVStore
	remaining int
}

func (c *conflictingKV) HSetIfEpoch(ctx context.Context, key string, expectedEpoch int64, fields map[string]string) (bool, error) {
	if c.remaining > 0 {
		c.remaining--
		return false, nil
	}
	return c.KVStore.HSetIfEpoch(ctx, key, expectedEpoch, fields)
}

func TestCasRetrySucceedsAfterConflicts(t *testing.T) {
	ctx := context.Background()
	kv := &conflictingKV{KVStore: kvstore.NewInMemory(), remaining: 3}
	s := NewStore(kv, logrus.New(), metrics.NewKernelMetrics(), 3)
	id := fanId(t)

	intent, err := domain.NewUserIntent(id, domain.DeviceTypeFan, domain.FanValue{Speed: 2}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SaveIntent(ctx, intent))
}

func TestCasRetryExhausted(t *testing.T) {
	ctx := context.Background()
	kv := &conflictingKV{KVStore: kvstore.NewInMemory(), remaining: 100}
	s := NewStore(kv, logrus.New(), metrics.NewKernelMetrics(), 3)
	id := fanId(t)

	intent, err := domain.NewUserIntent(id, domain.DeviceTypeFan, domain.FanValue{Speed: 2}, time.Now())
	require.NoError(t, err)
	err = s.SaveIntent(ctx, intent)
	require.ErrorIs(t, err, cferrors.ErrConflictExhausted)
}

func TestFindStale(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewInMemory()
	s := &twinStore{
		kv:         kv,
		log:        logrus.New(),
		metrics:    metrics.NewKernelMetrics(),
		maxRetries: 3,
		now:        time.Now,
	}
	id := fanId(t)

	intent, err := domain.NewUserIntent(id, domain.DeviceTypeFan, domain.FanValue{Speed: 2}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SaveIntent(ctx, intent))

	stale, err := s.FindStale(ctx, time.Hour)
	require.NoError(t, err)
	require.Empty(t, stale)

	// Shift the clock a week forward; the device becomes stale.
	s.now = func() time.Time { return time.Now().Add(7 * 24 * time.Hour) }
	stale, err = s.FindStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []domain.DeviceId{id}, stale)
}

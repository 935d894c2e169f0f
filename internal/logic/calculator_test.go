package logic

import (
	"context"
	"testing"
	"time"

	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/stretchr/testify/require"
)

func snapshotFor(t *testing.T, fx *fixture, id domain.DeviceId) domain.DeviceTwinSnapshot {
	t.Helper()
	snapshot, err := fx.twins.FindTwinSnapshot(context.Background(), id)
	require.NoError(t, err)
	return *snapshot
}

func TestCalculateFromIntentAlone(t *testing.T) {
	fx := newFixture(t)
	id := mustId(t, "termocamino", "fan")
	fx.saveIntent(t, id, domain.DeviceTypeFan, domain.FanValue{Speed: 2})

	result, err := fx.calculator.Calculate(context.Background(), snapshotFor(t, fx, id), nil, nil)
	require.NoError(t, err)
	require.Equal(t, SourceIntent, result.Source)
	require.True(t, result.Value.Equal(domain.FanValue{Speed: 2}))
}

func TestOverrideSupersedesIntent(t *testing.T) {
	fx := newFixture(t)
	id := mustId(t, "termocamino", "fan")
	fx.saveIntent(t, id, domain.DeviceTypeFan, domain.FanValue{Speed: 2})
	fx.saveOverride(t, id.String(), domain.ScopeDevice, domain.CategoryMaintenance, domain.FanValue{Speed: 4})

	result, err := fx.calculator.Calculate(context.Background(), snapshotFor(t, fx, id), nil, nil)
	require.NoError(t, err)
	require.Equal(t, SourceOverride, result.Source)
	require.True(t, result.Value.Equal(domain.FanValue{Speed: 4}))
}

func TestNoValueWithoutIntentOrOverride(t *testing.T) {
	fx := newFixture(t)
	id := mustId(t, "termocamino", "fan")
	desired, err := domain.NewDesiredState(id, domain.DeviceTypeFan, domain.FanValue{Speed: 1})
	require.NoError(t, err)
	require.NoError(t, fx.twins.SaveDesired(context.Background(), desired))

	result, err := fx.calculator.Calculate(context.Background(), snapshotFor(t, fx, id), nil, nil)
	require.NoError(t, err)
	require.Equal(t, SourceNoValue, result.Source)
	require.Nil(t, result.Value)
}

func TestFailSafeDefaultFillsTheGap(t *testing.T) {
	fx := newFixture(t)
	id := mustId(t, "termocamino", "pump")
	desired, err := domain.NewDesiredState(id, domain.DeviceTypeRelay, domain.RelayValue{On: false})
	require.NoError(t, err)
	require.NoError(t, fx.twins.SaveDesired(context.Background(), desired))

	system := &domain.FunctionalSystem{
		Id:               "heating",
		Type:             domain.SystemTypeHeating,
		DeviceIds:        map[string]struct{}{id.String(): {}},
		FailSafeDefaults: map[string]domain.DeviceValue{id.String(): domain.RelayValue{On: true}},
	}

	result, err := fx.calculator.Calculate(context.Background(), snapshotFor(t, fx, id), system, nil)
	require.NoError(t, err)
	require.Equal(t, SourceFailSafe, result.Source)
	require.True(t, result.Value.Equal(domain.RelayValue{On: true}))
}

func TestOutOfRangeOverrideIsClamped(t *testing.T) {
	fx := newFixture(t)
	id := mustId(t, "termocamino", "fan")
	fx.saveIntent(t, id, domain.DeviceTypeFan, domain.FanValue{Speed: 2})
	fx.saveOverride(t, id.String(), domain.ScopeDevice, domain.CategoryManual, domain.FanValue{Speed: 7})

	result, err := fx.calculator.Calculate(context.Background(), snapshotFor(t, fx, id), nil, nil)
	require.NoError(t, err)
	require.Equal(t, SourceSafetyModified, result.Source)
	require.True(t, result.Value.Equal(domain.FanValue{Speed: 4}))
	require.True(t, result.OriginalValue.Equal(domain.FanValue{Speed: 7}))
}

func TestInterlockRefusalSurfaces(t *testing.T) {
	fx := newFixture(t)
	fireId := mustId(t, "c1", "fire")
	pumpId := mustId(t, "c1", "pump")
	fx.saveIntent(t, fireId, domain.DeviceTypeRelay, domain.RelayValue{On: false})

	pumpDesired, err := domain.NewDesiredState(pumpId, domain.DeviceTypeRelay, domain.RelayValue{On: true})
	require.NoError(t, err)
	require.NoError(t, fx.twins.SaveDesired(context.Background(), pumpDesired))

	system := fireSystem(fireId, pumpId)
	result, err := fx.calculator.Calculate(context.Background(), snapshotFor(t, fx, fireId), system, nil)
	require.NoError(t, err)
	require.Equal(t, SourceSafetyRefused, result.Source)
	require.Contains(t, result.Reason, "pump")
	require.Nil(t, result.Value)
}

func TestExpiredOverrideFallsBackToIntent(t *testing.T) {
	fx := newFixture(t)
	id := mustId(t, "termocamino", "fan")
	fx.saveIntent(t, id, domain.DeviceTypeFan, domain.FanValue{Speed: 2})

	ttl := 10 * time.Millisecond
	o, err := domain.NewOverride(id.String(), domain.ScopeDevice, domain.CategoryMaintenance,
		domain.FanValue{Speed: 4}, "", "tester", &ttl, time.Now().Add(-time.Second))
	require.NoError(t, err)
	_, err = fx.overrides.Save(context.Background(), o)
	require.NoError(t, err)

	result, err := fx.calculator.Calculate(context.Background(), snapshotFor(t, fx, id), nil, nil)
	require.NoError(t, err)
	require.Equal(t, SourceIntent, result.Source)
	require.True(t, result.Value.Equal(domain.FanValue{Speed: 2}))
}

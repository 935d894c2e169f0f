package logic

import (
	"context"
	"testing"
	"time"

	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/stretchr/testify/require"
)

func handle(t *testing.T, fx *fixture, event domain.Event) {
	t.Helper()
	require.NoError(t, fx.service.HandleEvent(context.Background(), event, fx.service.log))
}

func waitForDesired(t *testing.T, fx *fixture, id domain.DeviceId, want domain.DeviceValue) {
	t.Helper()
	require.Eventually(t, func() bool {
		desired, err := fx.twins.FindDesired(context.Background(), id)
		return err == nil && desired != nil && desired.Value.Equal(want)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIntentEventTriggersReconciliation(t *testing.T) {
	fx := newFixture(t)
	id := mustId(t, "termocamino", "fan")
	fx.saveIntent(t, id, domain.DeviceTypeFan, domain.FanValue{Speed: 3})

	handle(t, fx, domain.NewDeviceEvent(domain.EventIntentChanged, id, "req-1", time.Now()))
	waitForDesired(t, fx, id, domain.FanValue{Speed: 3})
}

func TestMalformedDeviceIdIsDropped(t *testing.T) {
	fx := newFixture(t)
	err := fx.service.HandleEvent(context.Background(), domain.Event{
		Kind:     domain.EventIntentChanged,
		DeviceId: "not a device id",
	}, fx.service.log)
	require.NoError(t, err, "malformed events are dropped, not redelivered")
}

func TestSystemOverrideFansOutToMembers(t *testing.T) {
	fx := newFixture(t)
	fan1 := mustId(t, "c1", "fan1")
	fan2 := mustId(t, "c1", "fan2")
	fx.saveIntent(t, fan1, domain.DeviceTypeFan, domain.FanValue{Speed: 1})
	fx.saveIntent(t, fan2, domain.DeviceTypeFan, domain.FanValue{Speed: 2})

	fx.systems.add(&domain.FunctionalSystem{
		Id:        "vent-sys",
		Type:      domain.SystemTypeVentilation,
		DeviceIds: map[string]struct{}{fan1.String(): {}, fan2.String(): {}},
	})
	fx.saveOverride(t, "vent-sys", domain.ScopeSystem, domain.CategoryScheduled, domain.FanValue{Speed: 4})

	handle(t, fx, domain.NewOverrideEvent(domain.EventOverrideApplied,
		"vent-sys", domain.ScopeSystem, domain.CategoryScheduled, "req-1", time.Now()))

	waitForDesired(t, fx, fan1, domain.FanValue{Speed: 4})
	waitForDesired(t, fx, fan2, domain.FanValue{Speed: 4})
}

func TestOverrideEventForUnknownSystemIsIgnored(t *testing.T) {
	fx := newFixture(t)
	err := fx.service.HandleEvent(context.Background(), domain.NewOverrideEvent(domain.EventOverrideApplied,
		"ghost-sys", domain.ScopeSystem, domain.CategoryScheduled, "req-1", time.Now()), fx.service.log)
	require.NoError(t, err)
}

func TestRecoverySweepReconcilesActiveOutputs(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	id := mustId(t, "termocamino", "fan")
	fx.saveIntent(t, id, domain.DeviceTypeFan, domain.FanValue{Speed: 1})

	_, err := fx.coordinator.Reconcile(ctx, id, "req-1")
	require.NoError(t, err)

	// The intent changed while the infrastructure was down, so the desired
	// slot is stale until the recovery sweep runs.
	fx.saveIntent(t, id, domain.DeviceTypeFan, domain.FanValue{Speed: 3})
	handle(t, fx, domain.NewInfrastructureEvent(domain.EventInfrastructureRecovery, "kvstore", time.Minute, time.Now()))

	waitForDesired(t, fx, id, domain.FanValue{Speed: 3})
}

func TestDesiredCalculatedEventIsIgnoredHere(t *testing.T) {
	fx := newFixture(t)
	id := mustId(t, "termocamino", "fan")
	err := fx.service.HandleEvent(context.Background(),
		domain.NewDeviceEvent(domain.EventDesiredCalculated, id, "req-1", time.Now()), fx.service.log)
	require.NoError(t, err)
	require.Empty(t, fx.publisher.kinds())
}

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/instrumentation/metrics"
	"github.com/calcifer-iot/calcifer/internal/kvstore"
	"github.com/calcifer-iot/calcifer/internal/twin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type sentCommand struct {
	Topic   string
	Payload string
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []sentCommand
}

func (r *recordingPublisher) PublishCommand(_ context.Context, topic, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentCommand{Topic: topic, Payload: payload})
	return nil
}

func (r *recordingPublisher) commands() []sentCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentCommand(nil), r.sent...)
}

type stubHealth struct{ healthy bool }

func (s *stubHealth) IsHealthy() bool { return s.healthy }

type dispatchFixture struct {
	twins      twin.Store
	health     *stubHealth
	publisher  *recordingPublisher
	dispatcher *Dispatcher
}

func newDispatchFixture(t *testing.T, debounce time.Duration) *dispatchFixture {
	t.Helper()
	log := logrus.New()
	m := metrics.NewKernelMetrics()
	twins := twin.NewStore(kvstore.NewInMemory(), log, m, 3)
	health := &stubHealth{healthy: true}
	publisher := &recordingPublisher{}
	d := NewDispatcher(twins, health, publisher, debounce, log, m)
	t.Cleanup(d.Close)
	return &dispatchFixture{twins: twins, health: health, publisher: publisher, dispatcher: d}
}

func (fx *dispatchFixture) seedDesired(t *testing.T, controller, component string, deviceType domain.DeviceType, value domain.DeviceValue) domain.DeviceId {
	t.Helper()
	id, err := domain.NewDeviceId(controller, component)
	require.NoError(t, err)
	desired, err := domain.NewDesiredState(id, deviceType, value)
	require.NoError(t, err)
	require.NoError(t, fx.twins.SaveDesired(context.Background(), desired))
	return id
}

func (fx *dispatchFixture) announce(t *testing.T, id domain.DeviceId) {
	t.Helper()
	event := domain.NewDeviceEvent(domain.EventDesiredCalculated, id, "req-1", time.Now())
	require.NoError(t, fx.dispatcher.HandleEvent(context.Background(), event, logrus.New()))
}

func TestDispatchSendsFanCommand(t *testing.T) {
	fx := newDispatchFixture(t, 5*time.Millisecond)
	id := fx.seedDesired(t, "termocamino", "fan", domain.DeviceTypeFan, domain.FanValue{Speed: 2})

	fx.announce(t, id)

	require.Eventually(t, func() bool { return len(fx.publisher.commands()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, sentCommand{Topic: "/termocamino/fan/fan/set", Payload: "2"}, fx.publisher.commands()[0])
}

func TestDispatchSendsRelayCommand(t *testing.T) {
	fx := newDispatchFixture(t, 5*time.Millisecond)
	id := fx.seedDesired(t, "c1", "pump", domain.DeviceTypeRelay, domain.RelayValue{On: true})

	fx.announce(t, id)

	require.Eventually(t, func() bool { return len(fx.publisher.commands()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, sentCommand{Topic: "/c1/digital_output/pump/set", Payload: "1"}, fx.publisher.commands()[0])
}

func TestDebounceCoalescesBurst(t *testing.T) {
	// Three events inside one window produce one command carrying the value
	// that is current when the window closes.
	ctx := context.Background()
	fx := newDispatchFixture(t, 50*time.Millisecond)
	id := fx.seedDesired(t, "termocamino", "fan", domain.DeviceTypeFan, domain.FanValue{Speed: 1})

	fx.announce(t, id)
	fx.announce(t, id)

	desired, err := domain.NewDesiredState(id, domain.DeviceTypeFan, domain.FanValue{Speed: 3})
	require.NoError(t, err)
	require.NoError(t, fx.twins.SaveDesired(ctx, desired))
	fx.announce(t, id)

	require.Eventually(t, func() bool { return len(fx.publisher.commands()) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, []sentCommand{{Topic: "/termocamino/fan/fan/set", Payload: "3"}}, fx.publisher.commands())
}

func TestDebounceWindowFollowsLatestEvent(t *testing.T) {
	fx := newDispatchFixture(t, 300*time.Millisecond)
	id := fx.seedDesired(t, "termocamino", "fan", domain.DeviceTypeFan, domain.FanValue{Speed: 2})

	fx.announce(t, id)
	time.Sleep(150 * time.Millisecond)
	fx.announce(t, id)

	// The first event's deadline has passed by now, but the second event
	// pushed the window out, so nothing may have fired yet.
	time.Sleep(200 * time.Millisecond)
	require.Empty(t, fx.publisher.commands())

	require.Eventually(t, func() bool { return len(fx.publisher.commands()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "2", fx.publisher.commands()[0].Payload)
}

func TestDispatchSkipsWhenUnhealthy(t *testing.T) {
	fx := newDispatchFixture(t, 5*time.Millisecond)
	id := fx.seedDesired(t, "termocamino", "fan", domain.DeviceTypeFan, domain.FanValue{Speed: 2})
	fx.health.healthy = false

	fx.announce(t, id)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, fx.publisher.commands())
}

func TestDispatchSkipsConvergedDevice(t *testing.T) {
	ctx := context.Background()
	fx := newDispatchFixture(t, 5*time.Millisecond)
	id := fx.seedDesired(t, "termocamino", "fan", domain.DeviceTypeFan, domain.FanValue{Speed: 2})

	reported, err := domain.NewReportedState(id, domain.DeviceTypeFan, domain.FanValue{Speed: 2}, time.Now())
	require.NoError(t, err)
	require.NoError(t, fx.twins.SaveReported(ctx, reported))

	fx.announce(t, id)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, fx.publisher.commands())
}

func TestDispatchSkipsDeviceWithoutDesired(t *testing.T) {
	fx := newDispatchFixture(t, 5*time.Millisecond)
	id, err := domain.NewDeviceId("termocamino", "fan")
	require.NoError(t, err)

	fx.announce(t, id)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, fx.publisher.commands())
}

func TestCloseFlushesArmedTimers(t *testing.T) {
	fx := newDispatchFixture(t, time.Hour)
	id := fx.seedDesired(t, "termocamino", "fan", domain.DeviceTypeFan, domain.FanValue{Speed: 2})

	fx.announce(t, id)
	fx.dispatcher.Close()

	require.Len(t, fx.publisher.commands(), 1)
	require.Equal(t, "2", fx.publisher.commands()[0].Payload)
}

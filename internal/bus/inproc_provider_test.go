package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) handle(_ context.Context, event domain.Event, _ logrus.FieldLogger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestEveryGroupSeesEveryEvent(t *testing.T) {
	ctx := context.Background()
	provider := NewInProcProvider(logrus.New())
	defer provider.Stop()

	logicSide, err := provider.NewConsumer(ctx, TwinEventStream, LogicConsumerGroup)
	require.NoError(t, err)
	dispatchSide, err := provider.NewConsumer(ctx, TwinEventStream, DispatchConsumerGroup)
	require.NoError(t, err)

	logicRec := &eventRecorder{}
	dispatchRec := &eventRecorder{}
	require.NoError(t, logicSide.Consume(ctx, logicRec.handle))
	require.NoError(t, dispatchSide.Consume(ctx, dispatchRec.handle))

	publisher, err := provider.NewPublisher(ctx, TwinEventStream)
	require.NoError(t, err)

	id, err := domain.NewDeviceId("c1", "fan")
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(ctx, domain.NewDeviceEvent(domain.EventIntentChanged, id, "req-1", time.Now())))
	require.NoError(t, publisher.Publish(ctx, domain.NewDeviceEvent(domain.EventReportedChanged, id, "req-2", time.Now())))

	require.Eventually(t, func() bool {
		return logicRec.count() == 2 && dispatchRec.count() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestConsumersOnDifferentStreamsAreIsolated(t *testing.T) {
	ctx := context.Background()
	provider := NewInProcProvider(logrus.New())
	defer provider.Stop()

	other, err := provider.NewConsumer(ctx, "calcifer:events:other", LogicConsumerGroup)
	require.NoError(t, err)
	rec := &eventRecorder{}
	require.NoError(t, other.Consume(ctx, rec.handle))

	publisher, err := provider.NewPublisher(ctx, TwinEventStream)
	require.NoError(t, err)
	id, err := domain.NewDeviceId("c1", "fan")
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(ctx, domain.NewDeviceEvent(domain.EventIntentChanged, id, "req-1", time.Now())))

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, rec.count())
}

func TestStopCancelsConsumers(t *testing.T) {
	ctx := context.Background()
	provider := NewInProcProvider(logrus.New())

	consumer, err := provider.NewConsumer(ctx, TwinEventStream, LogicConsumerGroup)
	require.NoError(t, err)
	require.NoError(t, consumer.Consume(ctx, (&eventRecorder{}).handle))

	provider.Stop()

	done := make(chan struct{})
	go func() {
		provider.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer goroutine did not stop")
	}
}

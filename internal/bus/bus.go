package bus

import (
	"context"

	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/sirupsen/logrus"
)

// The event fabric connecting the twin store, the logic service, the
// override pipeline and the command dispatcher. Delivery is at-least-once;
// consumers must tolerate duplicates (reconciliation is idempotent and the
// dispatcher debounces).

type Handler func(ctx context.Context, event domain.Event, log logrus.FieldLogger) error

type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
	Close()
}

type Consumer interface {
	// Consume starts a background goroutine that invokes handler for every
	// event on the stream. It returns immediately.
	Consume(ctx context.Context, handler Handler) error
	Close()
}

type Provider interface {
	NewPublisher(ctx context.Context, stream string) (Publisher, error)
	NewConsumer(ctx context.Context, stream, group string) (Consumer, error)
	CheckHealth(ctx context.Context) error
	Stop()
	Wait()
}

// Stream names used by the kernel.
const (
	TwinEventStream = "calcifer:events:twin"

	LogicConsumerGroup    = "logic"
	DispatchConsumerGroup = "dispatch"
)

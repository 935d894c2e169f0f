package ingest

import (
	"context"
	"time"

	"github.com/calcifer-iot/calcifer/internal/audit"
	"github.com/calcifer-iot/calcifer/internal/bus"
	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/twin"
	"github.com/sirupsen/logrus"
)

// IntentService is the inbound seam for user intent. External surfaces (the
// REST layer, automations) call ReceiveIntent; everything downstream flows
// through the event fabric.
type IntentService struct {
	twins     twin.Store
	publisher bus.Publisher
	audit     *audit.Sink
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewIntentService(twins twin.Store, publisher bus.Publisher, sink *audit.Sink, log logrus.FieldLogger) *IntentService {
	return &IntentService{twins: twins, publisher: publisher, audit: sink, log: log, now: time.Now}
}

// ReceiveIntent validates, persists and announces a new user intent. The
// intent replaces any previous one for the device.
func (s *IntentService) ReceiveIntent(ctx context.Context, id domain.DeviceId, t domain.DeviceType, value domain.DeviceValue, actor, correlationId string) error {
	intent, err := domain.NewUserIntent(id, t, value, s.now())
	if err != nil {
		s.audit.RecordDecision(ctx, correlationId, id, domain.DecisionIntentRejected, actor, err.Error(), nil, value, nil)
		return err
	}
	if err := s.twins.SaveIntent(ctx, intent); err != nil {
		return err
	}

	s.audit.RecordDecision(ctx, correlationId, id, domain.DecisionIntentReceived, actor, "", nil, value, nil)

	event := domain.NewDeviceEvent(domain.EventIntentChanged, id, correlationId, s.now())
	if err := s.publisher.Publish(ctx, event); err != nil {
		// The intent is committed; reconciliation catches up on the next
		// event for this device.
		s.log.WithError(err).Warnf("failed publishing intent-changed event for %s", id)
	}
	return nil
}

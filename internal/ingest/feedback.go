package ingest

import (
	"context"
	"time"

	"github.com/calcifer-iot/calcifer/internal/bus"
	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/idempotency"
	"github.com/calcifer-iot/calcifer/internal/instrumentation/metrics"
	"github.com/calcifer-iot/calcifer/internal/twin"
	"github.com/calcifer-iot/calcifer/internal/wire"
	"github.com/sirupsen/logrus"
)

// StateMessage is one decoded frame off the broker, as handed over by the
// bus adapter: the routing already happened, the payload has not been parsed.
type StateMessage struct {
	Topic      string
	Payload    string
	MessageId  string
	ReceivedAt time.Time
}

// SampleHandler receives sensor readings. The time-series pipeline plugs in
// here; the kernel itself does not store samples.
type SampleHandler func(ctx context.Context, id domain.DeviceId, value float64, at time.Time)

// FeedbackService turns device state echoes into Reported twin state. OUTPUT
// feedback runs through the idempotency filter first; sensor samples pass
// through unfiltered to the sample handler.
type FeedbackService struct {
	twins     twin.Store
	filter    *idempotency.Filter
	publisher bus.Publisher
	samples   SampleHandler
	log       logrus.FieldLogger
	metrics   *metrics.KernelMetrics
}

func NewFeedbackService(twins twin.Store, filter *idempotency.Filter, publisher bus.Publisher, samples SampleHandler, log logrus.FieldLogger, m *metrics.KernelMetrics) *FeedbackService {
	return &FeedbackService{twins: twins, filter: filter, publisher: publisher, samples: samples, log: log, metrics: m}
}

// HandleStateMessage processes one state echo. Malformed payloads are
// rejected (counted, not stored); duplicates within the dedup window are
// dropped silently.
func (s *FeedbackService) HandleStateMessage(ctx context.Context, msg StateMessage, correlationId string) error {
	id, family, err := wire.ParseStateTopic(msg.Topic)
	if err != nil {
		s.log.WithError(err).Warnf("rejecting state message on topic %q", msg.Topic)
		return err
	}
	deviceType, err := wire.TypeForFamily(family)
	if err != nil {
		return err
	}
	log := s.log.WithFields(logrus.Fields{"device": id.String(), "correlationId": correlationId})

	if family == wire.FamilyTemperature {
		return s.handleSample(ctx, id, family, msg, log)
	}

	if deviceType.Capability() == domain.CapabilityOutput {
		accepted, err := s.filter.Accept(ctx, id, msg.MessageId, msg.ReceivedAt, msg.Payload)
		if err != nil {
			return err
		}
		if !accepted {
			return nil
		}
	}

	value, err := wire.ParseStatePayload(family, msg.Payload)
	if err != nil {
		s.metrics.FeedbackRejected.WithLabelValues(string(family)).Inc()
		log.WithError(err).Warnf("rejecting malformed payload %q", msg.Payload)
		return err
	}

	reported, err := domain.NewReportedState(id, deviceType, value, msg.ReceivedAt)
	if err != nil {
		s.metrics.FeedbackRejected.WithLabelValues(string(family)).Inc()
		return err
	}
	if err := s.twins.SaveReported(ctx, reported); err != nil {
		return err
	}

	event := domain.NewDeviceEvent(domain.EventReportedChanged, id, correlationId, msg.ReceivedAt)
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.WithError(err).Warn("failed publishing reported-changed event")
	}
	return nil
}

func (s *FeedbackService) handleSample(ctx context.Context, id domain.DeviceId, family wire.Family, msg StateMessage, log logrus.FieldLogger) error {
	value, err := wire.ParseTemperaturePayload(msg.Payload)
	if err != nil {
		s.metrics.FeedbackRejected.WithLabelValues(string(family)).Inc()
		log.WithError(err).Warnf("rejecting malformed sample %q", msg.Payload)
		return err
	}
	if s.samples != nil {
		s.samples(ctx, id, value, msg.ReceivedAt)
	}
	return nil
}

package logic

import (
	"context"

	"github.com/calcifer-iot/calcifer/internal/bus"
	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/sirupsen/logrus"
)

// Service subscribes to the twin event stream and turns events into
// reconciliation runs on a bounded worker pool. Duplicate deliveries are
// harmless because reconciliation is idempotent.
type Service struct {
	coordinator *Coordinator
	systems     *SystemResolver
	pool        *workerPool
	log         logrus.FieldLogger
}

func NewService(coordinator *Coordinator, systems *SystemResolver, workers, queueSize int, log logrus.FieldLogger) *Service {
	return &Service{
		coordinator: coordinator,
		systems:     systems,
		pool:        newWorkerPool(workers, queueSize, log),
		log:         log,
	}
}

// Start attaches the service to its consumer group.
func (s *Service) Start(ctx context.Context, consumer bus.Consumer) error {
	return consumer.Consume(ctx, s.HandleEvent)
}

func (s *Service) Stop() {
	s.pool.Shutdown()
}

// HandleEvent routes one fabric event. Returning an error leaves the entry
// pending for redelivery, so only routing failures bubble up; per-device
// reconciliation errors are retried by the device's own event flow.
func (s *Service) HandleEvent(ctx context.Context, event domain.Event, log logrus.FieldLogger) error {
	switch event.Kind {
	case domain.EventIntentChanged, domain.EventReportedChanged:
		id, err := domain.ParseDeviceId(event.DeviceId)
		if err != nil {
			log.WithError(err).Warnf("dropping %s event with malformed device id %q", event.Kind, event.DeviceId)
			return nil
		}
		s.submitReconcile(ctx, id, event.CorrelationId, log)
	case domain.EventOverrideApplied, domain.EventOverrideExpired:
		return s.handleOverrideEvent(ctx, event, log)
	case domain.EventInfrastructureRecovery:
		s.submitFullSweep(ctx, event.CorrelationId, log)
	case domain.EventDesiredCalculated, domain.EventInfrastructureFailure:
		// Consumed by the dispatcher and the health monitor respectively.
	default:
		log.Warnf("ignoring unknown event kind %q", event.Kind)
	}
	return nil
}

func (s *Service) handleOverrideEvent(ctx context.Context, event domain.Event, log logrus.FieldLogger) error {
	switch event.Scope {
	case domain.ScopeDevice:
		id, err := domain.ParseDeviceId(event.TargetId)
		if err != nil {
			log.WithError(err).Warnf("dropping %s event with malformed target %q", event.Kind, event.TargetId)
			return nil
		}
		s.submitReconcile(ctx, id, event.CorrelationId, log)
	case domain.ScopeSystem:
		system, err := s.systems.SystemById(ctx, event.TargetId)
		if err != nil {
			return err
		}
		if system == nil {
			log.Warnf("%s event for unknown system %q", event.Kind, event.TargetId)
			return nil
		}
		for _, memberId := range system.MemberIds() {
			s.submitReconcile(ctx, memberId, event.CorrelationId, log)
		}
	default:
		log.Warnf("dropping %s event with unknown scope %q", event.Kind, event.Scope)
	}
	return nil
}

func (s *Service) submitReconcile(ctx context.Context, id domain.DeviceId, correlationId string, log logrus.FieldLogger) {
	s.pool.Submit(func() {
		if _, err := s.coordinator.Reconcile(ctx, id, correlationId); err != nil {
			log.WithError(err).Warnf("reconciliation of %s failed", id)
		}
	})
}

// submitFullSweep re-reconciles every active output. Run after an
// infrastructure outage so devices pick up decisions made against stale or
// unavailable state.
func (s *Service) submitFullSweep(ctx context.Context, correlationId string, log logrus.FieldLogger) {
	s.pool.Submit(func() {
		outputs, err := s.coordinator.twins.FindAllActiveOutputs(ctx)
		if err != nil {
			log.WithError(err).Warn("recovery sweep failed listing active outputs")
			return
		}
		log.Infof("recovery sweep reconciling %d active outputs", len(outputs))
		for _, desired := range outputs {
			s.submitReconcile(ctx, desired.DeviceId, correlationId, log)
		}
	})
}

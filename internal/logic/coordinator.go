package logic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calcifer-iot/calcifer/internal/audit"
	"github.com/calcifer-iot/calcifer/internal/bus"
	"github.com/calcifer-iot/calcifer/internal/cferrors"
	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/instrumentation/metrics"
	"github.com/calcifer-iot/calcifer/internal/instrumentation/tracing"
	"github.com/calcifer-iot/calcifer/internal/twin"
	pkglog "github.com/calcifer-iot/calcifer/pkg/log"
	"github.com/sirupsen/logrus"
)

type ReconcileOutcome string

const (
	OutcomeSuccess          ReconcileOutcome = "SUCCESS"
	OutcomeNoChange         ReconcileOutcome = "NO_CHANGE"
	OutcomeSafetyRefused    ReconcileOutcome = "SAFETY_REFUSED"
	OutcomeDeviceNotFound   ReconcileOutcome = "DEVICE_NOT_FOUND"
	OutcomeInfraUnavailable ReconcileOutcome = "INFRASTRUCTURE_UNAVAILABLE"
	OutcomeError            ReconcileOutcome = "ERROR"
)

// HealthGate answers whether the critical infrastructure is healthy enough
// to take decisions. Implemented by the health monitor.
type HealthGate interface {
	IsHealthy() bool
}

// ReconcileResult summarizes one reconciliation run.
type ReconcileResult struct {
	Outcome ReconcileOutcome
	Source  Source
	Value   domain.DeviceValue
	Reason  string
}

// Coordinator drives one device through a full reconciliation: load the twin
// snapshot, resolve the functional system, calculate the desired value, and
// persist plus announce the outcome.
type Coordinator struct {
	twins      twin.Store
	systems    *SystemResolver
	calculator *Calculator
	health     HealthGate
	publisher  bus.Publisher
	audit      *audit.Sink
	log        logrus.FieldLogger
	metrics    *metrics.KernelMetrics
	now        func() time.Time
}

func NewCoordinator(twins twin.Store, systems *SystemResolver, calculator *Calculator, health HealthGate, publisher bus.Publisher, sink *audit.Sink, log logrus.FieldLogger, m *metrics.KernelMetrics) *Coordinator {
	return &Coordinator{
		twins:      twins,
		systems:    systems,
		calculator: calculator,
		health:     health,
		publisher:  publisher,
		audit:      sink,
		log:        log,
		metrics:    m,
		now:        time.Now,
	}
}

// Reconcile recomputes the desired state for one device. The result is saved
// and announced even when it matches the stored value; a device whose last
// command was lost recovers only through that re-announcement, and the
// dispatcher's convergence check suppresses duplicate commands.
func (c *Coordinator) Reconcile(ctx context.Context, id domain.DeviceId, correlationId string) (ReconcileResult, error) {
	ctx, span := tracing.StartSpan(ctx, "calcifer/logic", "Reconcile")
	defer span.End()
	log := pkglog.WithDevice(id.String(), c.log).WithField("correlationId", correlationId)

	result, err := c.reconcile(ctx, id, correlationId, log)
	c.metrics.ReconcileOutcomes.WithLabelValues(string(result.Outcome)).Inc()
	return result, err
}

func (c *Coordinator) reconcile(ctx context.Context, id domain.DeviceId, correlationId string, log logrus.FieldLogger) (ReconcileResult, error) {
	if !c.health.IsHealthy() {
		log.Warn("reconciliation deferred, infrastructure unhealthy")
		return ReconcileResult{Outcome: OutcomeInfraUnavailable, Reason: "infrastructure unhealthy"}, cferrors.ErrInfrastructureUnavailable
	}

	snapshot, err := c.twins.FindTwinSnapshot(ctx, id)
	if err != nil {
		if errors.Is(err, cferrors.ErrDeviceNotFound) {
			return ReconcileResult{Outcome: OutcomeDeviceNotFound, Reason: "no twin state"}, nil
		}
		return ReconcileResult{Outcome: OutcomeError, Reason: err.Error()}, err
	}
	if snapshot.DeviceType.Capability() != domain.CapabilityOutput {
		// Sensors are reconciled only in the sense of being recorded; they
		// never receive a desired state.
		return ReconcileResult{Outcome: OutcomeNoChange, Reason: "input device"}, nil
	}

	system, err := c.systems.SystemForDevice(ctx, id)
	if err != nil {
		return ReconcileResult{Outcome: OutcomeError, Reason: err.Error()}, err
	}

	calc, err := c.calculator.Calculate(ctx, *snapshot, system, map[string]string{"correlationId": correlationId})
	if err != nil {
		return ReconcileResult{Outcome: OutcomeError, Reason: err.Error()}, err
	}

	switch calc.Source {
	case SourceNoValue:
		return ReconcileResult{Outcome: OutcomeNoChange, Source: calc.Source, Reason: calc.Reason}, nil
	case SourceSafetyRefused:
		c.recordRefusal(ctx, correlationId, id, snapshot, system, calc)
		return ReconcileResult{Outcome: OutcomeSafetyRefused, Source: calc.Source, Reason: calc.Reason}, nil
	}

	var previous domain.DeviceValue
	if snapshot.Desired != nil {
		previous = snapshot.Desired.Value
	}

	// Saved and announced even when the value is unchanged. A diverged device
	// is re-commanded through exactly this path, and converged devices are
	// skipped at dispatch time rather than here.
	desired, err := domain.NewDesiredState(id, snapshot.DeviceType, calc.Value)
	if err != nil {
		return ReconcileResult{Outcome: OutcomeError, Reason: err.Error()}, err
	}
	if err := c.twins.SaveDesired(ctx, desired); err != nil {
		return ReconcileResult{Outcome: OutcomeError, Reason: err.Error()}, err
	}

	if err := c.publisher.Publish(ctx, domain.NewDeviceEvent(domain.EventDesiredCalculated, id, correlationId, c.now())); err != nil {
		// The desired slot is committed; the dispatcher will still pick the
		// device up on the next event or sweep.
		log.WithError(err).Warn("failed publishing desired-state event")
	}

	c.recordDecision(ctx, correlationId, id, snapshot, system, calc, previous)
	c.recordConvergence(ctx, correlationId, id, snapshot, calc.Value, previous)

	log.WithFields(logrus.Fields{"source": calc.Source, "value": calc.Value.String()}).Info("desired state calculated")
	return ReconcileResult{Outcome: OutcomeSuccess, Source: calc.Source, Value: calc.Value, Reason: calc.Reason}, nil
}

func (c *Coordinator) recordDecision(ctx context.Context, correlationId string, id domain.DeviceId, snapshot *domain.DeviceTwinSnapshot, system *domain.FunctionalSystem, calc CalculationResult, previous domain.DeviceValue) {
	decision := domain.DecisionDesiredCalculated
	actor := "logic-service"
	switch calc.Source {
	case SourceOverride:
		decision = domain.DecisionOverrideApplied
	case SourceSafetyModified:
		decision = domain.DecisionSafetyRuleActivated
	case SourceFailSafe:
		decision = domain.DecisionFailSafeApplied
	}
	entry := domain.AuditEntry{
		CorrelationId: correlationId,
		DeviceId:      &id,
		DecisionType:  decision,
		Actor:         actor,
		PreviousValue: previous,
		NewValue:      calc.Value,
		Reason:        calc.Reason,
		Context:       decisionContext(calc),
	}
	if system != nil {
		entry.SystemId = &system.Id
	}
	c.audit.Record(ctx, entry)
}

func (c *Coordinator) recordRefusal(ctx context.Context, correlationId string, id domain.DeviceId, snapshot *domain.DeviceTwinSnapshot, system *domain.FunctionalSystem, calc CalculationResult) {
	entry := domain.AuditEntry{
		CorrelationId: correlationId,
		DeviceId:      &id,
		DecisionType:  domain.DecisionSafetyRuleActivated,
		Actor:         "safety-engine",
		PreviousValue: calc.OriginalValue,
		Reason:        calc.Reason,
		Context:       decisionContext(calc),
	}
	if system != nil {
		entry.SystemId = &system.Id
	}
	c.audit.Record(ctx, entry)
}

// recordConvergence writes DEVICE_CONVERGED or DEVICE_DIVERGED when the new
// desired value changes the device's convergence with its last report.
func (c *Coordinator) recordConvergence(ctx context.Context, correlationId string, id domain.DeviceId, snapshot *domain.DeviceTwinSnapshot, next domain.DeviceValue, previous domain.DeviceValue) {
	if snapshot.Reported == nil || !snapshot.Reported.IsKnown {
		return
	}
	was := previous != nil && snapshot.Reported.Value.Equal(previous)
	is := snapshot.Reported.Value.Equal(next)
	if was == is {
		return
	}
	decision := domain.DecisionDeviceDiverged
	reason := fmt.Sprintf("reported %s no longer matches desired %s", snapshot.Reported.Value, next)
	if is {
		decision = domain.DecisionDeviceConverged
		reason = fmt.Sprintf("reported %s matches desired %s", snapshot.Reported.Value, next)
	}
	c.audit.RecordDecision(ctx, correlationId, id, decision, "logic-service", reason, previous, next, nil)
}

func decisionContext(calc CalculationResult) map[string]string {
	cc := map[string]string{"source": string(calc.Source)}
	if len(calc.RuleIds) > 0 {
		for i, ruleId := range calc.RuleIds {
			cc[fmt.Sprintf("rule.%d", i)] = ruleId
		}
	}
	return cc
}

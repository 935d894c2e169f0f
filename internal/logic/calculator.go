package logic

import (
	"context"
	"errors"
	"fmt"

	"github.com/calcifer-iot/calcifer/internal/cferrors"
	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/override"
	"github.com/calcifer-iot/calcifer/internal/safety"
	"github.com/calcifer-iot/calcifer/internal/twin"
	"github.com/sirupsen/logrus"
)

type Source string

const (
	SourceIntent         Source = "INTENT"
	SourceOverride       Source = "OVERRIDE"
	SourceFailSafe       Source = "FAIL_SAFE"
	SourceSafetyModified Source = "SAFETY_MODIFIED"
	SourceSafetyRefused  Source = "SAFETY_REFUSED"
	SourceNoValue        Source = "NO_VALUE"
)

// CalculationResult carries the decided value plus its provenance.
type CalculationResult struct {
	Source        Source
	Value         domain.DeviceValue
	OriginalValue domain.DeviceValue
	Reason        string
	RuleIds       []string
}

// Calculator is the decision kernel: it fuses intent, the effective
// override and the safety verdict into a desired value. It performs no
// writes and emits no events.
type Calculator struct {
	resolver *override.Resolver
	twins    twin.Store
	engine   *safety.Engine
	log      logrus.FieldLogger
}

func NewCalculator(resolver *override.Resolver, twins twin.Store, engine *safety.Engine, log logrus.FieldLogger) *Calculator {
	return &Calculator{resolver: resolver, twins: twins, engine: engine, log: log}
}

func (c *Calculator) Calculate(ctx context.Context, snapshot domain.DeviceTwinSnapshot, system *domain.FunctionalSystem, metadata map[string]string) (CalculationResult, error) {
	var systemId *string
	if system != nil {
		systemId = &system.Id
	}
	resolved, err := c.resolver.ResolveEffective(ctx, snapshot.DeviceId, systemId)
	if err != nil {
		return CalculationResult{}, fmt.Errorf("resolving overrides for %s: %w", snapshot.DeviceId, err)
	}

	var proposed domain.DeviceValue
	var source Source
	var reason string
	switch {
	case resolved != nil:
		proposed = resolved.Value
		source = SourceOverride
		reason = resolved.Reason
	case snapshot.Intent != nil:
		proposed = snapshot.Intent.Value
		source = SourceIntent
	default:
		if value, ok := system.FailSafeDefault(snapshot.DeviceId); ok {
			proposed = value
			source = SourceFailSafe
			reason = "failsafe default applied"
			break
		}
		return CalculationResult{Source: SourceNoValue, Reason: "no intent or override"}, nil
	}

	related, err := c.loadRelatedStates(ctx, snapshot.DeviceId, system)
	if err != nil {
		return CalculationResult{}, err
	}
	sc := safety.Context{
		DeviceId:            snapshot.DeviceId,
		DeviceType:          snapshot.DeviceType,
		ProposedValue:       proposed,
		CurrentSnapshot:     &snapshot,
		System:              system,
		RelatedDeviceStates: related,
		Metadata:            metadata,
	}
	verdict := c.evaluateSafely(ctx, sc)

	switch verdict.Outcome {
	case safety.OutcomeAccepted:
		return CalculationResult{Source: source, Value: verdict.FinalValue, Reason: reason, RuleIds: verdict.EvaluatedRuleIds}, nil
	case safety.OutcomeModified:
		return CalculationResult{
			Source:        SourceSafetyModified,
			Value:         verdict.FinalValue,
			OriginalValue: proposed,
			Reason:        verdict.Reason,
			RuleIds:       verdict.EvaluatedRuleIds,
		}, nil
	case safety.OutcomeRefused:
		return CalculationResult{
			Source:        SourceSafetyRefused,
			OriginalValue: proposed,
			Reason:        verdict.Reason,
			RuleIds:       verdict.EvaluatedRuleIds,
		}, nil
	default:
		return CalculationResult{}, fmt.Errorf("unexpected safety outcome %q", verdict.Outcome)
	}
}

// evaluateSafely falls back to the hardcoded-only path if the full pipeline
// fails; the non-negotiable interlocks must always run.
func (c *Calculator) evaluateSafely(ctx context.Context, sc safety.Context) (result safety.EvaluationResult) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("safety evaluation failed (%v), falling back to hardcoded rules", r)
			result = c.engine.EvaluateHardcodedOnly(ctx, sc)
		}
	}()
	return c.engine.Evaluate(ctx, sc)
}

// loadRelatedStates snapshots every sibling in the device's functional
// system. Interlocks read these snapshots' Desired state.
func (c *Calculator) loadRelatedStates(ctx context.Context, id domain.DeviceId, system *domain.FunctionalSystem) (map[string]domain.DeviceTwinSnapshot, error) {
	if system == nil {
		return nil, nil
	}
	related := make(map[string]domain.DeviceTwinSnapshot)
	for _, memberId := range system.MemberIds() {
		if memberId == id {
			continue
		}
		snapshot, err := c.twins.FindTwinSnapshot(ctx, memberId)
		if err != nil {
			if errors.Is(err, cferrors.ErrDeviceNotFound) {
				continue
			}
			return nil, fmt.Errorf("loading sibling %s: %w", memberId, err)
		}
		related[memberId.String()] = *snapshot
	}
	return related, nil
}

package override

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
	"github.com/calcifer-iot/calcifer/internal/safety"
	"github.com/calcifer-iot/calcifer/internal/store"
	"github.com/calcifer-iot/calcifer/internal/twin"
	"github.com/sirupsen/logrus"
)

// ApplyRequest is an operator's or subsystem's wish to force a value.
type ApplyRequest struct {
	TargetId  string
	Scope     domain.OverrideScope
	Category  domain.OverrideCategory
	Value     domain.DeviceValue
	Reason    string
	CreatedBy string
	TTL       *time.Duration
}

// Pipeline applies and cancels overrides. Every application is gated by the
// safety engine: a safety refusal blocks the override before it is stored.
// Corrections (MODIFIED) do not block; the requested value is stored as-is
// and corrected again at reconciliation time, so a later rule change is
// honored.
type Pipeline struct {
	overrides *Store
	twins     twin.Store
	systems   store.System
	engine    *safety.Engine
	publisher bus.Publisher
	audit     *audit.Sink
	log       logrus.FieldLogger
	metrics   *metrics.KernelMetrics
	now       func() time.Time
}

func NewPipeline(overrides *Store, twins twin.Store, systems store.System, engine *safety.Engine, publisher bus.Publisher, sink *audit.Sink, log logrus.FieldLogger, m *metrics.KernelMetrics) *Pipeline {
	return &Pipeline{
		overrides: overrides,
		twins:     twins,
		systems:   systems,
		engine:    engine,
		publisher: publisher,
		audit:     sink,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// Apply validates, safety-gates and stores an override, then announces it on
// the event fabric so affected devices reconcile.
func (p *Pipeline) Apply(ctx context.Context, req ApplyRequest, correlationId string) (domain.Override, error) {
	o, err := domain.NewOverride(req.TargetId, req.Scope, req.Category, req.Value, req.Reason, req.CreatedBy, req.TTL, p.now())
	if err != nil {
		return domain.Override{}, err
	}

	if err := p.gate(ctx, o, correlationId); err != nil {
		return domain.Override{}, err
	}

	saved, err := p.overrides.Save(ctx, o)
	if err != nil {
		return domain.Override{}, err
	}

	p.audit.Record(ctx, domain.AuditEntry{
		CorrelationId: correlationId,
		DecisionType:  domain.DecisionOverrideApplied,
		Actor:         req.CreatedBy,
		NewValue:      req.Value,
		Reason:        req.Reason,
		Context: map[string]string{
			"target":   req.TargetId,
			"scope":    string(req.Scope),
			"category": req.Category.String(),
		},
	})

	event := domain.NewOverrideEvent(domain.EventOverrideApplied, saved.TargetId, saved.Scope, saved.Category, correlationId, p.now())
	if err := p.publisher.Publish(ctx, event); err != nil {
		// The override is stored; the periodic sweep and the next twin event
		// will still converge the affected devices.
		p.log.WithError(err).Warnf("failed publishing override-applied event for %s", saved.TargetId)
	}
	return saved, nil
}

// Cancel removes an override by its (target, category) key. Cancellation
// reuses the expiry event so consumers re-reconcile the affected devices.
func (p *Pipeline) Cancel(ctx context.Context, targetId string, scope domain.OverrideScope, category domain.OverrideCategory, actor, correlationId string) error {
	deleted, err := p.overrides.DeleteByTargetAndCategory(ctx, targetId, category)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: %s/%s", cferrors.ErrResourceNotFound, targetId, category)
	}

	p.audit.Record(ctx, domain.AuditEntry{
		CorrelationId: correlationId,
		DecisionType:  domain.DecisionOverrideExpired,
		Actor:         actor,
		Reason:        "cancelled",
		Context: map[string]string{
			"target":   targetId,
			"category": category.String(),
		},
	})

	event := domain.NewOverrideEvent(domain.EventOverrideExpired, targetId, scope, category, correlationId, p.now())
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.log.WithError(err).Warnf("failed publishing override-cancelled event for %s", targetId)
	}
	return nil
}

// gate runs the safety engine against every device the override would touch.
// A refusal on any of them blocks the whole application.
func (p *Pipeline) gate(ctx context.Context, o domain.Override, correlationId string) error {
	devices, err := p.affectedDevices(ctx, o)
	if err != nil {
		return err
	}
	for _, id := range devices {
		refusal, err := p.gateDevice(ctx, id, o)
		if err != nil {
			return err
		}
		if refusal != "" {
			p.metrics.OverridesBlocked.Inc()
			p.audit.Record(ctx, domain.AuditEntry{
				CorrelationId: correlationId,
				DeviceId:      &id,
				DecisionType:  domain.DecisionOverrideBlocked,
				Actor:         o.CreatedBy,
				NewValue:      o.Value,
				Reason:        refusal,
				Context: map[string]string{
					"target":   o.TargetId,
					"category": o.Category.String(),
				},
			})
			return fmt.Errorf("%w: %s", cferrors.ErrOverrideBlocked, refusal)
		}
	}
	return nil
}

func (p *Pipeline) affectedDevices(ctx context.Context, o domain.Override) ([]domain.DeviceId, error) {
	switch o.Scope {
	case domain.ScopeDevice:
		id, err := domain.ParseDeviceId(o.TargetId)
		if err != nil {
			return nil, err
		}
		return []domain.DeviceId{id}, nil
	case domain.ScopeSystem:
		system, err := p.systems.Get(ctx, o.TargetId)
		if err != nil {
			return nil, err
		}
		if system == nil {
			return nil, fmt.Errorf("%w: system %s", cferrors.ErrResourceNotFound, o.TargetId)
		}
		return system.MemberIds(), nil
	default:
		return nil, fmt.Errorf("unknown override scope %q", o.Scope)
	}
}

// gateDevice evaluates the override value against one device. Devices whose
// type does not take this value variant are skipped for SYSTEM overrides and
// rejected for DEVICE overrides.
func (p *Pipeline) gateDevice(ctx context.Context, id domain.DeviceId, o domain.Override) (string, error) {
	snapshot, err := p.twins.FindTwinSnapshot(ctx, id)
	if err != nil {
		if errors.Is(err, cferrors.ErrDeviceNotFound) {
			if o.Scope == domain.ScopeDevice {
				return "", fmt.Errorf("%w: %s", cferrors.ErrDeviceNotFound, id)
			}
			return "", nil
		}
		return "", err
	}
	if err := domain.ValidateValueForType(snapshot.DeviceType, o.Value); err != nil {
		if o.Scope == domain.ScopeSystem {
			return "", nil
		}
		return "", err
	}

	system, err := p.systems.GetByDevice(ctx, id)
	if err != nil {
		return "", err
	}
	related, err := p.relatedStates(ctx, id, system)
	if err != nil {
		return "", err
	}

	verdict := p.engine.Evaluate(ctx, safety.Context{
		DeviceId:            id,
		DeviceType:          snapshot.DeviceType,
		ProposedValue:       o.Value,
		CurrentSnapshot:     snapshot,
		System:              system,
		RelatedDeviceStates: related,
	})
	if verdict.Outcome == safety.OutcomeRefused {
		return verdict.Reason, nil
	}
	return "", nil
}

func (p *Pipeline) relatedStates(ctx context.Context, id domain.DeviceId, system *domain.FunctionalSystem) (map[string]domain.DeviceTwinSnapshot, error) {
	if system == nil {
		return nil, nil
	}
	related := make(map[string]domain.DeviceTwinSnapshot)
	for _, memberId := range system.MemberIds() {
		if memberId == id {
			continue
		}
		snapshot, err := p.twins.FindTwinSnapshot(ctx, memberId)
		if err != nil {
			if errors.Is(err, cferrors.ErrDeviceNotFound) {
				continue
			}
			return nil, err
		}
		related[memberId.String()] = *snapshot
	}
	return related, nil
}

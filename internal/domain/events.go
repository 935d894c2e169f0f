package domain

import "time"

type EventKind string

const (
	EventIntentChanged          EventKind = "IntentChanged"
	EventReportedChanged        EventKind = "ReportedChanged"
	EventOverrideApplied        EventKind = "OverrideApplied"
	EventOverrideExpired        EventKind = "OverrideExpired"
	EventDesiredCalculated      EventKind = "DesiredStateCalculated"
	EventInfrastructureFailure  EventKind = "InfrastructureFailure"
	EventInfrastructureRecovery EventKind = "InfrastructureRecovery"
)

// Event is the flat record that travels the event fabric. Which fields are
// populated depends on Kind: twin events carry DeviceId, override events carry
// TargetId/Scope/Category, infrastructure events carry Component.
type Event struct {
	Kind          EventKind     `json:"kind"`
	DeviceId      string        `json:"deviceId,omitempty"`
	TargetId      string        `json:"targetId,omitempty"`
	Scope         OverrideScope `json:"scope,omitempty"`
	Category      string        `json:"category,omitempty"`
	Component     string        `json:"component,omitempty"`
	DowntimeMs    int64         `json:"downtimeMs,omitempty"`
	CorrelationId string        `json:"correlationId,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

func NewDeviceEvent(kind EventKind, id DeviceId, correlationId string, now time.Time) Event {
	return Event{Kind: kind, DeviceId: id.String(), CorrelationId: correlationId, Timestamp: now.UTC()}
}

func NewOverrideEvent(kind EventKind, targetId string, scope OverrideScope, category OverrideCategory, correlationId string, now time.Time) Event {
	return Event{
		Kind:          kind,
		TargetId:      targetId,
		Scope:         scope,
		Category:      category.String(),
		CorrelationId: correlationId,
		Timestamp:     now.UTC(),
	}
}

func NewInfrastructureEvent(kind EventKind, component string, downtime time.Duration, now time.Time) Event {
	return Event{Kind: kind, Component: component, DowntimeMs: downtime.Milliseconds(), Timestamp: now.UTC()}
}

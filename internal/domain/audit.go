package domain

import "time"

type DecisionType string

const (
	DecisionIntentReceived       DecisionType = "INTENT_RECEIVED"
	DecisionIntentRejected       DecisionType = "INTENT_REJECTED"
	DecisionIntentModified       DecisionType = "INTENT_MODIFIED"
	DecisionDesiredCalculated    DecisionType = "DESIRED_CALCULATED"
	DecisionOverrideApplied      DecisionType = "OVERRIDE_APPLIED"
	DecisionOverrideBlocked      DecisionType = "OVERRIDE_BLOCKED"
	DecisionOverrideExpired      DecisionType = "OVERRIDE_EXPIRED"
	DecisionSafetyRuleActivated  DecisionType = "SAFETY_RULE_ACTIVATED"
	DecisionDeviceConverged      DecisionType = "DEVICE_CONVERGED"
	DecisionDeviceDiverged       DecisionType = "DEVICE_DIVERGED"
	DecisionFailSafeApplied      DecisionType = "FAIL_SAFE_APPLIED"
	DecisionInfrastructureDown   DecisionType = "INFRASTRUCTURE_DOWN"
	DecisionInfrastructureUp     DecisionType = "INFRASTRUCTURE_UP"
)

// AuditEntry is one append-only record of a decision the kernel took.
type AuditEntry struct {
	Id            string
	CorrelationId string
	Timestamp     time.Time
	DeviceId      *DeviceId
	SystemId      *string
	DecisionType  DecisionType
	Actor         string
	PreviousValue DeviceValue
	NewValue      DeviceValue
	Reason        string
	Context       map[string]string
}

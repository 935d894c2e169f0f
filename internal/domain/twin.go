package domain

import (
	"fmt"
	"time"

	"github.com/calcifer-iot/calcifer/internal/cferrors"
)

// UserIntent is what the user asked for. It is immutable; updating an intent
// means replacing the record.
type UserIntent struct {
	DeviceId   DeviceId
	DeviceType DeviceType
	Value      DeviceValue
	CreatedAt  time.Time
}

func NewUserIntent(id DeviceId, t DeviceType, v DeviceValue, at time.Time) (UserIntent, error) {
	if err := ValidateValueForType(t, v); err != nil {
		return UserIntent{}, err
	}
	return UserIntent{DeviceId: id, DeviceType: t, Value: v, CreatedAt: at.UTC()}, nil
}

// ReportedDeviceState is what the device last told us. IsKnown is false iff
// Value is nil (the device has never reported, or its report was invalidated).
type ReportedDeviceState struct {
	DeviceId   DeviceId
	DeviceType DeviceType
	Value      DeviceValue
	ReportedAt time.Time
	IsKnown    bool
}

func NewReportedState(id DeviceId, t DeviceType, v DeviceValue, at time.Time) (ReportedDeviceState, error) {
	if err := ValidateValueForType(t, v); err != nil {
		return ReportedDeviceState{}, err
	}
	return ReportedDeviceState{DeviceId: id, DeviceType: t, Value: v, ReportedAt: at.UTC(), IsKnown: true}, nil
}

func UnknownReportedState(id DeviceId, t DeviceType, at time.Time) ReportedDeviceState {
	return ReportedDeviceState{DeviceId: id, DeviceType: t, ReportedAt: at.UTC(), IsKnown: false}
}

// DesiredDeviceState is what the controller decided should be true. It always
// carries a concrete value.
type DesiredDeviceState struct {
	DeviceId   DeviceId
	DeviceType DeviceType
	Value      DeviceValue
}

func NewDesiredState(id DeviceId, t DeviceType, v DeviceValue) (DesiredDeviceState, error) {
	if err := ValidateValueForType(t, v); err != nil {
		return DesiredDeviceState{}, err
	}
	return DesiredDeviceState{DeviceId: id, DeviceType: t, Value: v}, nil
}

// DeviceTwinSnapshot is an atomic read of all three twin slots. Any present
// sub-state carries the same DeviceType as the snapshot.
type DeviceTwinSnapshot struct {
	DeviceId   DeviceId
	DeviceType DeviceType
	Intent     *UserIntent
	Reported   *ReportedDeviceState
	Desired    *DesiredDeviceState
}

func NewTwinSnapshot(id DeviceId, intent *UserIntent, reported *ReportedDeviceState, desired *DesiredDeviceState) (DeviceTwinSnapshot, error) {
	var t DeviceType
	switch {
	case intent != nil:
		t = intent.DeviceType
	case reported != nil:
		t = reported.DeviceType
	case desired != nil:
		t = desired.DeviceType
	default:
		return DeviceTwinSnapshot{}, cferrors.ErrDeviceNotFound
	}
	if (intent != nil && intent.DeviceType != t) ||
		(reported != nil && reported.DeviceType != t) ||
		(desired != nil && desired.DeviceType != t) {
		return DeviceTwinSnapshot{}, fmt.Errorf("%w: device %s", cferrors.ErrTypeInconsistency, id)
	}
	return DeviceTwinSnapshot{DeviceId: id, DeviceType: t, Intent: intent, Reported: reported, Desired: desired}, nil
}

// IsConverged reports whether the hardware has caught up with the controller:
// the reported value is known and equals the desired value.
func (s DeviceTwinSnapshot) IsConverged() bool {
	return s.Reported != nil && s.Reported.IsKnown && s.Desired != nil && s.Reported.Value.Equal(s.Desired.Value)
}

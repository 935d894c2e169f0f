package domain

import (
	"encoding/json"
	"fmt"

	"github.com/calcifer-iot/calcifer/internal/cferrors"
)

const FanMaxSpeed = 4

type ValueKind string

const (
	ValueKindRelay ValueKind = "relay"
	ValueKindFan   ValueKind = "fan"
)

// DeviceValue is the tagged value variant carried by twin states, intents and
// overrides. The variant must agree with the owning device's DeviceType.
type DeviceValue interface {
	Kind() ValueKind
	Equal(other DeviceValue) bool
	String() string
}

type RelayValue struct {
	On bool `json:"on"`
}

func (v RelayValue) Kind() ValueKind { return ValueKindRelay }

func (v RelayValue) Equal(other DeviceValue) bool {
	o, ok := other.(RelayValue)
	return ok && o.On == v.On
}

func (v RelayValue) String() string {
	if v.On {
		return "on"
	}
	return "off"
}

type FanValue struct {
	Speed int `json:"speed"`
}

func NewFanValue(speed int) (FanValue, error) {
	if speed < 0 || speed > FanMaxSpeed {
		return FanValue{}, fmt.Errorf("%w: fan speed %d not in [0,%d]", cferrors.ErrValueOutOfRange, speed, FanMaxSpeed)
	}
	return FanValue{Speed: speed}, nil
}

func (v FanValue) Kind() ValueKind { return ValueKindFan }

func (v FanValue) Equal(other DeviceValue) bool {
	o, ok := other.(FanValue)
	return ok && o.Speed == v.Speed
}

func (v FanValue) String() string {
	return fmt.Sprintf("speed=%d", v.Speed)
}

// ValidateValueForType rejects values whose variant does not match the
// device type. Range enforcement is deliberately not done here: the inbound
// boundaries use NewFanValue, while override values may carry out-of-range
// speeds that the safety engine corrects.
func ValidateValueForType(t DeviceType, v DeviceValue) error {
	if v == nil {
		return cferrors.ErrResourceIsNil
	}
	if t.ValueKind() != v.Kind() {
		return fmt.Errorf("%w: %s value for %s device", cferrors.ErrTypeMismatch, v.Kind(), t)
	}
	return nil
}

type valueEnvelope struct {
	Kind  ValueKind `json:"kind"`
	On    *bool     `json:"on,omitempty"`
	Speed *int      `json:"speed,omitempty"`
}

// MarshalValue encodes a DeviceValue with its variant tag so it can round-trip
// through the hot store and the event fabric.
func MarshalValue(v DeviceValue) ([]byte, error) {
	if v == nil {
		return nil, cferrors.ErrResourceIsNil
	}
	env := valueEnvelope{Kind: v.Kind()}
	switch val := v.(type) {
	case RelayValue:
		env.On = &val.On
	case FanValue:
		env.Speed = &val.Speed
	default:
		return nil, fmt.Errorf("%w: %T", cferrors.ErrUnknownValueKind, v)
	}
	return json.Marshal(env)
}

func UnmarshalValue(data []byte) (DeviceValue, error) {
	var env valueEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case ValueKindRelay:
		if env.On == nil {
			return nil, fmt.Errorf("%w: relay value without on field", cferrors.ErrMalformedPayload)
		}
		return RelayValue{On: *env.On}, nil
	case ValueKindFan:
		if env.Speed == nil {
			return nil, fmt.Errorf("%w: fan value without speed field", cferrors.ErrMalformedPayload)
		}
		return FanValue{Speed: *env.Speed}, nil
	default:
		return nil, fmt.Errorf("%w: %q", cferrors.ErrUnknownValueKind, env.Kind)
	}
}

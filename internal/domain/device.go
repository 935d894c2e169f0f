package domain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/calcifer-iot/calcifer/internal/cferrors"
)

var idPartPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// DeviceId identifies a single component on a controller. The canonical
// string form is "controllerId:componentId".
type DeviceId struct {
	ControllerId string
	ComponentId  string
}

func NewDeviceId(controllerId, componentId string) (DeviceId, error) {
	if !idPartPattern.MatchString(controllerId) || !idPartPattern.MatchString(componentId) {
		return DeviceId{}, cferrors.ErrInvalidDeviceId
	}
	return DeviceId{ControllerId: controllerId, ComponentId: componentId}, nil
}

func ParseDeviceId(s string) (DeviceId, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return DeviceId{}, cferrors.ErrInvalidDeviceId
	}
	return NewDeviceId(parts[0], parts[1])
}

func (d DeviceId) String() string {
	return fmt.Sprintf("%s:%s", d.ControllerId, d.ComponentId)
}

func (d DeviceId) IsZero() bool {
	return d.ControllerId == "" && d.ComponentId == ""
}

type Capability string

const (
	CapabilityOutput Capability = "OUTPUT"
	CapabilityInput  Capability = "INPUT"
)

type DeviceType string

const (
	DeviceTypeRelay             DeviceType = "RELAY"
	DeviceTypeFan               DeviceType = "FAN"
	DeviceTypeTemperatureSensor DeviceType = "TEMPERATURE_SENSOR"
)

func ParseDeviceType(s string) (DeviceType, error) {
	switch DeviceType(s) {
	case DeviceTypeRelay, DeviceTypeFan, DeviceTypeTemperatureSensor:
		return DeviceType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", cferrors.ErrUnknownDeviceType, s)
	}
}

func (t DeviceType) Capability() Capability {
	switch t {
	case DeviceTypeRelay, DeviceTypeFan:
		return CapabilityOutput
	default:
		return CapabilityInput
	}
}

// ValueKind returns the value variant a device of this type carries, or ""
// for sensor types that never carry a commanded value.
func (t DeviceType) ValueKind() ValueKind {
	switch t {
	case DeviceTypeRelay:
		return ValueKindRelay
	case DeviceTypeFan:
		return ValueKindFan
	default:
		return ""
	}
}

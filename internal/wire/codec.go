package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/calcifer-iot/calcifer/internal/cferrors"
	"github.com/calcifer-iot/calcifer/internal/domain"
)

// Device families as they appear on the wire. The broker adapter routes by
// family; the kernel maps families onto device types.
type Family string

const (
	FamilyDigitalOutput Family = "digital_output"
	FamilyFan           Family = "fan"
	FamilyTemperature   Family = "temperature"
)

func FamilyForType(t domain.DeviceType) (Family, error) {
	switch t {
	case domain.DeviceTypeRelay:
		return FamilyDigitalOutput, nil
	case domain.DeviceTypeFan:
		return FamilyFan, nil
	case domain.DeviceTypeTemperatureSensor:
		return FamilyTemperature, nil
	default:
		return "", fmt.Errorf("%w: %s", cferrors.ErrUnknownDeviceType, t)
	}
}

func TypeForFamily(f Family) (domain.DeviceType, error) {
	switch f {
	case FamilyDigitalOutput:
		return domain.DeviceTypeRelay, nil
	case FamilyFan:
		return domain.DeviceTypeFan, nil
	case FamilyTemperature:
		return domain.DeviceTypeTemperatureSensor, nil
	default:
		return "", fmt.Errorf("%w: family %q", cferrors.ErrUnknownDeviceType, f)
	}
}

// Command is one outbound instruction for a device.
type Command struct {
	DeviceId   domain.DeviceId
	DeviceType domain.DeviceType
	Value      domain.DeviceValue
}

// CommandTopic is /<controllerId>/<family>/<componentId>/set.
func CommandTopic(cmd Command) (string, error) {
	family, err := FamilyForType(cmd.DeviceType)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/%s/%s/%s/set", cmd.DeviceId.ControllerId, family, cmd.DeviceId.ComponentId), nil
}

// StateTopic is /<controllerId>/<family>/<componentId>/state.
func StateTopic(id domain.DeviceId, t domain.DeviceType) (string, error) {
	family, err := FamilyForType(t)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/%s/%s/%s/state", id.ControllerId, family, id.ComponentId), nil
}

// EncodeCommandPayload renders the wire payload: "0"/"1" for relays, the
// decimal speed for fans.
func EncodeCommandPayload(v domain.DeviceValue) (string, error) {
	switch value := v.(type) {
	case domain.RelayValue:
		if value.On {
			return "1", nil
		}
		return "0", nil
	case domain.FanValue:
		return strconv.Itoa(value.Speed), nil
	default:
		return "", fmt.Errorf("%w: %T", cferrors.ErrUnknownValueKind, v)
	}
}

// ParseStatePayload parses an inbound state payload for the given family.
// Unknown relay tokens and out-of-range fan speeds are rejected so the
// adapter can route the frame to the dead-letter queue.
func ParseStatePayload(family Family, payload string) (domain.DeviceValue, error) {
	trimmed := strings.TrimSpace(payload)
	switch family {
	case FamilyDigitalOutput:
		switch strings.ToUpper(trimmed) {
		case "0", "LOW":
			return domain.RelayValue{On: false}, nil
		case "1", "HIGH":
			return domain.RelayValue{On: true}, nil
		default:
			return nil, fmt.Errorf("%w: relay payload %q", cferrors.ErrMalformedPayload, payload)
		}
	case FamilyFan:
		speed, err := strconv.Atoi(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: fan payload %q", cferrors.ErrMalformedPayload, payload)
		}
		value, err := domain.NewFanValue(speed)
		if err != nil {
			return nil, fmt.Errorf("%w: fan payload %q", cferrors.ErrMalformedPayload, payload)
		}
		return value, nil
	default:
		return nil, fmt.Errorf("%w: family %q carries no command value", cferrors.ErrMalformedPayload, family)
	}
}

// ParseTemperaturePayload parses a sensor reading. The sensor id arrives in
// the routing key, not the payload.
func ParseTemperaturePayload(payload string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: temperature payload %q", cferrors.ErrMalformedPayload, payload)
	}
	return v, nil
}

// ParseStateTopic decomposes /<controllerId>/<family>/<componentId>/state.
func ParseStateTopic(topic string) (domain.DeviceId, Family, error) {
	parts := strings.Split(strings.TrimPrefix(topic, "/"), "/")
	if len(parts) != 4 || parts[3] != "state" {
		return domain.DeviceId{}, "", fmt.Errorf("%w: topic %q", cferrors.ErrMalformedPayload, topic)
	}
	family := Family(parts[1])
	if _, err := TypeForFamily(family); err != nil {
		return domain.DeviceId{}, "", err
	}
	id, err := domain.NewDeviceId(parts[0], parts[2])
	if err != nil {
		return domain.DeviceId{}, "", err
	}
	return id, family, nil
}

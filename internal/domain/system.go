package domain

import "time"

type FunctionalSystemType string

const (
	SystemTypeHeating     FunctionalSystemType = "HEATING"
	SystemTypeVentilation FunctionalSystemType = "VENTILATION"
	SystemTypeFireSafety  FunctionalSystemType = "FIRE_SAFETY"
)

// FunctionalSystem groups devices that participate in one physical function,
// such as a boiler loop or a fire circuit. A device belongs to at most one
// system; membership is resolved by id, devices carry no back-pointer.
type FunctionalSystem struct {
	Id               string
	Type             FunctionalSystemType
	Name             string
	Configuration    map[string]string
	DeviceIds        map[string]struct{}
	FailSafeDefaults map[string]DeviceValue
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CreatedBy        string
}

func (s *FunctionalSystem) HasDevice(id DeviceId) bool {
	if s == nil {
		return false
	}
	_, ok := s.DeviceIds[id.String()]
	return ok
}

// MemberIds returns the member device ids; malformed entries are skipped.
func (s *FunctionalSystem) MemberIds() []DeviceId {
	if s == nil {
		return nil
	}
	members := make([]DeviceId, 0, len(s.DeviceIds))
	for raw := range s.DeviceIds {
		id, err := ParseDeviceId(raw)
		if err != nil {
			continue
		}
		members = append(members, id)
	}
	return members
}

// FailSafeDefault returns the configured failsafe value for a member device,
// if one exists.
func (s *FunctionalSystem) FailSafeDefault(id DeviceId) (DeviceValue, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.FailSafeDefaults[id.String()]
	return v, ok
}

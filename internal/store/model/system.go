package model

import (
	"encoding/json"
	"time"

	"github.com/calcifer-iot/calcifer/internal/domain"
)

type FunctionalSystem struct {
	Id               string                                  `gorm:"primaryKey"`
	Type             string                                  `gorm:"index"`
	Name             string                                  `gorm:"index"`
	Configuration    *JSONField[map[string]string]           `gorm:"type:jsonb"`
	DeviceIds        *JSONField[[]string]                    `gorm:"type:jsonb"`
	FailSafeDefaults *JSONField[map[string]json.RawMessage]  `gorm:"type:jsonb"`
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CreatedBy        string
}

// SystemMembership indexes the exclusive device→system mapping so membership
// lookups do not unpack the jsonb member list.
type SystemMembership struct {
	DeviceId string `gorm:"primaryKey"`
	SystemId string `gorm:"index"`
}

func NewSystemFromDomain(s *domain.FunctionalSystem) (*FunctionalSystem, error) {
	deviceIds := make([]string, 0, len(s.DeviceIds))
	for id := range s.DeviceIds {
		deviceIds = append(deviceIds, id)
	}
	failsafes := make(map[string]json.RawMessage, len(s.FailSafeDefaults))
	for id, value := range s.FailSafeDefaults {
		raw, err := domain.MarshalValue(value)
		if err != nil {
			return nil, err
		}
		failsafes[id] = raw
	}
	return &FunctionalSystem{
		Id:               s.Id,
		Type:             string(s.Type),
		Name:             s.Name,
		Configuration:    MakeJSONField(s.Configuration),
		DeviceIds:        MakeJSONField(deviceIds),
		FailSafeDefaults: MakeJSONField(failsafes),
		Version:          s.Version,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		CreatedBy:        s.CreatedBy,
	}, nil
}

func (m *FunctionalSystem) ToDomain() (*domain.FunctionalSystem, error) {
	s := &domain.FunctionalSystem{
		Id:        m.Id,
		Type:      domain.FunctionalSystemType(m.Type),
		Name:      m.Name,
		Version:   m.Version,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		CreatedBy: m.CreatedBy,
		DeviceIds: map[string]struct{}{},
	}
	if m.Configuration != nil {
		s.Configuration = m.Configuration.Data
	}
	if m.DeviceIds != nil {
		for _, id := range m.DeviceIds.Data {
			s.DeviceIds[id] = struct{}{}
		}
	}
	if m.FailSafeDefaults != nil {
		s.FailSafeDefaults = make(map[string]domain.DeviceValue, len(m.FailSafeDefaults.Data))
		for id, raw := range m.FailSafeDefaults.Data {
			value, err := domain.UnmarshalValue(raw)
			if err != nil {
				return nil, err
			}
			s.FailSafeDefaults[id] = value
		}
	}
	return s, nil
}

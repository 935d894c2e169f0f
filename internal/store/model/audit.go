package model

import (
	"encoding/json"
	"time"

	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AuditEntry struct {
	Id            string `gorm:"primaryKey"`
	CorrelationId string `gorm:"index"`
	Timestamp     time.Time `gorm:"index"`
	DeviceId      *string   `gorm:"index"`
	SystemId      *string   `gorm:"index"`
	DecisionType  string    `gorm:"index"`
	Actor         string
	PreviousValue json.RawMessage               `gorm:"type:jsonb"`
	NewValue      json.RawMessage               `gorm:"type:jsonb"`
	Reason        string
	Context       *JSONField[map[string]string] `gorm:"type:jsonb"`
}

func (e *AuditEntry) BeforeCreate(tx *gorm.DB) error {
	if len(e.Id) == 0 {
		e.Id = uuid.New().String()
	}
	return nil
}

func NewAuditEntryFromDomain(entry domain.AuditEntry) (*AuditEntry, error) {
	m := &AuditEntry{
		Id:            entry.Id,
		CorrelationId: entry.CorrelationId,
		Timestamp:     entry.Timestamp,
		SystemId:      entry.SystemId,
		DecisionType:  string(entry.DecisionType),
		Actor:         entry.Actor,
		Reason:        entry.Reason,
		Context:       MakeJSONField(entry.Context),
	}
	if entry.DeviceId != nil {
		id := entry.DeviceId.String()
		m.DeviceId = &id
	}
	var err error
	if entry.PreviousValue != nil {
		if m.PreviousValue, err = domain.MarshalValue(entry.PreviousValue); err != nil {
			return nil, err
		}
	}
	if entry.NewValue != nil {
		if m.NewValue, err = domain.MarshalValue(entry.NewValue); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *AuditEntry) ToDomain() (domain.AuditEntry, error) {
	entry := domain.AuditEntry{
		Id:            m.Id,
		CorrelationId: m.CorrelationId,
		Timestamp:     m.Timestamp,
		SystemId:      m.SystemId,
		DecisionType:  domain.DecisionType(m.DecisionType),
		Actor:         m.Actor,
		Reason:        m.Reason,
	}
	if m.Context != nil {
		entry.Context = m.Context.Data
	}
	if m.DeviceId != nil {
		id, err := domain.ParseDeviceId(*m.DeviceId)
		if err != nil {
			return domain.AuditEntry{}, err
		}
		entry.DeviceId = &id
	}
	var err error
	if len(m.PreviousValue) > 0 {
		if entry.PreviousValue, err = domain.UnmarshalValue(m.PreviousValue); err != nil {
			return domain.AuditEntry{}, err
		}
	}
	if len(m.NewValue) > 0 {
		if entry.NewValue, err = domain.UnmarshalValue(m.NewValue); err != nil {
			return domain.AuditEntry{}, err
		}
	}
	return entry, nil
}

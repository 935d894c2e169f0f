package model

import (
	"encoding/json"
	"time"

	"github.com/calcifer-iot/calcifer/internal/domain"
)

type Override struct {
	TargetId  string          `gorm:"primaryKey;index:override_target"`
	Category  string          `gorm:"primaryKey"`
	Scope     string
	Value     json.RawMessage `gorm:"type:jsonb"`
	Reason    string
	CreatedBy string
	CreatedAt time.Time
	ExpiresAt *time.Time `gorm:"index"`
}

func NewOverrideFromDomain(o domain.Override) (*Override, error) {
	raw, err := domain.MarshalValue(o.Value)
	if err != nil {
		return nil, err
	}
	return &Override{
		TargetId:  o.TargetId,
		Category:  o.Category.String(),
		Scope:     string(o.Scope),
		Value:     raw,
		Reason:    o.Reason,
		CreatedBy: o.CreatedBy,
		CreatedAt: o.CreatedAt,
		ExpiresAt: o.ExpiresAt,
	}, nil
}

func (m *Override) ToDomain() (domain.Override, error) {
	category, err := domain.ParseOverrideCategory(m.Category)
	if err != nil {
		return domain.Override{}, err
	}
	value, err := domain.UnmarshalValue(m.Value)
	if err != nil {
		return domain.Override{}, err
	}
	return domain.Override{
		TargetId:  m.TargetId,
		Scope:     domain.OverrideScope(m.Scope),
		Category:  category,
		Value:     value,
		Reason:    m.Reason,
		CreatedBy: m.CreatedBy,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
	}, nil
}

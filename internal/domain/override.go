package domain

import (
	"fmt"
	"time"

	"github.com/calcifer-iot/calcifer/internal/cferrors"
)

// OverrideCategory orders decision sources by priority. The first four are
// operator override categories; SYSTEM_SAFETY and HARDCODED_SAFETY exist only
// for safety rules and never participate in override resolution.
type OverrideCategory int

const (
	CategoryUserIntent OverrideCategory = iota
	CategoryManual
	CategoryScheduled
	CategoryMaintenance
	CategoryEmergency
	CategorySystemSafety
	CategoryHardcodedSafety
)

var categoryNames = map[OverrideCategory]string{
	CategoryUserIntent:      "USER_INTENT",
	CategoryManual:          "MANUAL",
	CategoryScheduled:       "SCHEDULED",
	CategoryMaintenance:     "MAINTENANCE",
	CategoryEmergency:       "EMERGENCY",
	CategorySystemSafety:    "SYSTEM_SAFETY",
	CategoryHardcodedSafety: "HARDCODED_SAFETY",
}

func (c OverrideCategory) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(c))
}

func ParseOverrideCategory(s string) (OverrideCategory, error) {
	for c, name := range categoryNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", cferrors.ErrUnknownCategory, s)
}

// IsOverridable reports whether operators may author overrides in this
// category. Safety categories are exclusive to the rules engine.
func (c OverrideCategory) IsOverridable() bool {
	return c >= CategoryManual && c <= CategoryEmergency
}

// Ordinal is the numeric priority used by the hot-store sorted index.
func (c OverrideCategory) Ordinal() int { return int(c) }

// OverridableCategories lists the categories operators may author, in
// ascending priority.
func OverridableCategories() []OverrideCategory {
	return []OverrideCategory{CategoryManual, CategoryScheduled, CategoryMaintenance, CategoryEmergency}
}

type OverrideScope string

const (
	ScopeDevice OverrideScope = "DEVICE"
	ScopeSystem OverrideScope = "SYSTEM"
)

// Override is an operator-imposed value that supersedes Intent. At most one
// override exists per (TargetId, Category); a nil ExpiresAt means permanent.
type Override struct {
	TargetId  string
	Scope     OverrideScope
	Category  OverrideCategory
	Value     DeviceValue
	Reason    string
	CreatedBy string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

func NewOverride(targetId string, scope OverrideScope, category OverrideCategory, value DeviceValue, reason, createdBy string, ttl *time.Duration, now time.Time) (Override, error) {
	if value == nil {
		return Override{}, cferrors.ErrResourceIsNil
	}
	if !category.IsOverridable() {
		return Override{}, fmt.Errorf("%w: %s", cferrors.ErrCategoryNotOverride, category)
	}
	o := Override{
		TargetId:  targetId,
		Scope:     scope,
		Category:  category,
		Value:     value,
		Reason:    reason,
		CreatedBy: createdBy,
		CreatedAt: now.UTC(),
	}
	if ttl != nil {
		expires := now.UTC().Add(*ttl)
		o.ExpiresAt = &expires
	}
	return o, nil
}

func (o Override) IsExpired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

func (o Override) IsPermanent() bool {
	return o.ExpiresAt == nil
}

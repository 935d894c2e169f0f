package cferrors

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrResourceIsNil    = errors.New("object is nil")
	ErrResourceNotFound = errors.New("object not found")
	ErrDuplicateName    = errors.New("an object with this name already exists")

	// devices and twins
	ErrInvalidDeviceId    = errors.New("device id must be controllerId:componentId with both parts matching [A-Za-z0-9_-]+")
	ErrTypeMismatch       = errors.New("device value variant does not match the device type")
	ErrTypeInconsistency  = errors.New("twin sub-states disagree on device type")
	ErrValueOutOfRange    = errors.New("device value out of range")
	ErrUnknownDeviceType  = errors.New("unknown device type")
	ErrUnknownValueKind   = errors.New("unknown device value kind")
	ErrConflictExhausted  = errors.New("twin write conflicted with a concurrent writer; retries exhausted")
	ErrDeviceNotFound     = errors.New("no twin state recorded for device")
	ErrMalformedPayload   = errors.New("payload cannot be parsed for the device family")

	// overrides
	ErrUnknownCategory     = errors.New("unknown override category")
	ErrCategoryNotOverride = errors.New("safety categories cannot be used as overrides")
	ErrOverrideExpired     = errors.New("override is already expired")
	ErrOverrideBlocked     = errors.New("override blocked by safety rules")

	// infrastructure
	ErrInfrastructureUnavailable = errors.New("critical infrastructure is unhealthy; command generation halted")
)

func ErrorFromGormError(err error) error {
	switch err {
	case nil:
		return nil
	case gorm.ErrRecordNotFound:
		return ErrResourceNotFound
	case gorm.ErrDuplicatedKey:
		return ErrDuplicateName
	default:
		return err
	}
}

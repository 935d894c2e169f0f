package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/calcifer-iot/calcifer/internal/cferrors"
	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/store/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type System interface {
	CreateOrUpdate(ctx context.Context, system *domain.FunctionalSystem) (*domain.FunctionalSystem, error)
	Get(ctx context.Context, id string) (*domain.FunctionalSystem, error)
	// GetByDevice resolves the exclusive membership mapping. Returns
	// (nil, nil) when the device belongs to no system.
	GetByDevice(ctx context.Context, deviceId domain.DeviceId) (*domain.FunctionalSystem, error)
	List(ctx context.Context) ([]domain.FunctionalSystem, error)
	Delete(ctx context.Context, id string) error
	InitialMigration() error
}

type SystemStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ System = (*SystemStore)(nil)

func NewSystem(db *gorm.DB, log logrus.FieldLogger) System {
	return &SystemStore{db: db, log: log}
}

func (s *SystemStore) InitialMigration() error {
	if err := s.db.AutoMigrate(&model.FunctionalSystem{}); err != nil {
		return err
	}
	return s.db.AutoMigrate(&model.SystemMembership{})
}

func (s *SystemStore) CreateOrUpdate(ctx context.Context, system *domain.FunctionalSystem) (*domain.FunctionalSystem, error) {
	if system == nil {
		return nil, cferrors.ErrResourceIsNil
	}
	record, err := model.NewSystemFromDomain(system)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.FunctionalSystem
		result := tx.First(&existing, "id = ?", record.Id)
		if result.Error == nil {
			record.Version = existing.Version + 1
			record.CreatedAt = existing.CreatedAt
		} else if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			record.Version = 1
		} else {
			return result.Error
		}

		if err := tx.Save(record).Error; err != nil {
			return err
		}

		// Rebuild the membership index. The primary key on DeviceId makes
		// membership exclusive across systems.
		if err := tx.Where("system_id = ?", record.Id).Delete(&model.SystemMembership{}).Error; err != nil {
			return err
		}
		for _, deviceId := range record.DeviceIds.Data {
			membership := model.SystemMembership{DeviceId: deviceId, SystemId: record.Id}
			if err := tx.Create(&membership).Error; err != nil {
				if errors.Is(cferrors.ErrorFromGormError(err), cferrors.ErrDuplicateName) {
					return fmt.Errorf("%w: device %s already belongs to another system", cferrors.ErrDuplicateName, deviceId)
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, cferrors.ErrorFromGormError(err)
	}
	return record.ToDomain()
}

func (s *SystemStore) Get(ctx context.Context, id string) (*domain.FunctionalSystem, error) {
	var record model.FunctionalSystem
	result := s.db.WithContext(ctx).First(&record, "id = ?", id)
	if result.Error != nil {
		return nil, cferrors.ErrorFromGormError(result.Error)
	}
	return record.ToDomain()
}

func (s *SystemStore) GetByDevice(ctx context.Context, deviceId domain.DeviceId) (*domain.FunctionalSystem, error) {
	var membership model.SystemMembership
	result := s.db.WithContext(ctx).First(&membership, "device_id = ?", deviceId.String())
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return s.Get(ctx, membership.SystemId)
}

func (s *SystemStore) List(ctx context.Context) ([]domain.FunctionalSystem, error) {
	var records []model.FunctionalSystem
	result := s.db.WithContext(ctx).Find(&records)
	if result.Error != nil {
		return nil, cferrors.ErrorFromGormError(result.Error)
	}
	systems := make([]domain.FunctionalSystem, 0, len(records))
	for i := range records {
		system, err := records[i].ToDomain()
		if err != nil {
			return nil, err
		}
		systems = append(systems, *system)
	}
	return systems, nil
}

func (s *SystemStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("system_id = ?", id).Delete(&model.SystemMembership{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.FunctionalSystem{}, "id = ?", id).Error
	})
}

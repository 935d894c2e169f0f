package store

import (
	"context"
	"errors"
	"time"

	"github.com/calcifer-iot/calcifer/internal/cferrors"
	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/store/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Override is the durable side of the override pipeline; the hot cache in
// front of it lives in the override package.
type Override interface {
	Upsert(ctx context.Context, override domain.Override) (domain.Override, error)
	Delete(ctx context.Context, targetId string, category domain.OverrideCategory) (bool, error)
	Get(ctx context.Context, targetId string, category domain.OverrideCategory) (*domain.Override, error)
	ListByTarget(ctx context.Context, targetId string) ([]domain.Override, error)
	ListExpired(ctx context.Context, now time.Time) ([]domain.Override, error)
	ListActive(ctx context.Context, now time.Time) ([]domain.Override, error)
	InitialMigration() error
}

type OverrideStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Override = (*OverrideStore)(nil)

func NewOverride(db *gorm.DB, log logrus.FieldLogger) Override {
	return &OverrideStore{db: db, log: log}
}

func (s *OverrideStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Override{})
}

func (s *OverrideStore) Upsert(ctx context.Context, override domain.Override) (domain.Override, error) {
	record, err := model.NewOverrideFromDomain(override)
	if err != nil {
		return domain.Override{}, err
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "target_id"}, {Name: "category"}},
		UpdateAll: true,
	}).Create(record)
	if result.Error != nil {
		return domain.Override{}, cferrors.ErrorFromGormError(result.Error)
	}
	return record.ToDomain()
}

func (s *OverrideStore) Delete(ctx context.Context, targetId string, category domain.OverrideCategory) (bool, error) {
	result := s.db.WithContext(ctx).Delete(&model.Override{}, "target_id = ? AND category = ?", targetId, category.String())
	if result.Error != nil {
		return false, cferrors.ErrorFromGormError(result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *OverrideStore) Get(ctx context.Context, targetId string, category domain.OverrideCategory) (*domain.Override, error) {
	var record model.Override
	result := s.db.WithContext(ctx).First(&record, "target_id = ? AND category = ?", targetId, category.String())
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, cferrors.ErrorFromGormError(result.Error)
	}
	override, err := record.ToDomain()
	if err != nil {
		return nil, err
	}
	return &override, nil
}

func (s *OverrideStore) ListByTarget(ctx context.Context, targetId string) ([]domain.Override, error) {
	var records []model.Override
	result := s.db.WithContext(ctx).Find(&records, "target_id = ?", targetId)
	if result.Error != nil {
		return nil, cferrors.ErrorFromGormError(result.Error)
	}
	return toDomainOverrides(records)
}

func (s *OverrideStore) ListExpired(ctx context.Context, now time.Time) ([]domain.Override, error) {
	var records []model.Override
	result := s.db.WithContext(ctx).Find(&records, "expires_at IS NOT NULL AND expires_at <= ?", now.UTC())
	if result.Error != nil {
		return nil, cferrors.ErrorFromGormError(result.Error)
	}
	return toDomainOverrides(records)
}

func (s *OverrideStore) ListActive(ctx context.Context, now time.Time) ([]domain.Override, error) {
	var records []model.Override
	result := s.db.WithContext(ctx).Find(&records, "expires_at IS NULL OR expires_at > ?", now.UTC())
	if result.Error != nil {
		return nil, cferrors.ErrorFromGormError(result.Error)
	}
	return toDomainOverrides(records)
}

func toDomainOverrides(records []model.Override) ([]domain.Override, error) {
	overrides := make([]domain.Override, 0, len(records))
	for i := range records {
		override, err := records[i].ToDomain()
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, override)
	}
	return overrides, nil
}

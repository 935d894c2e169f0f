package store

import (
	"context"
	"time"

	"github.com/calcifer-iot/calcifer/internal/cferrors"
	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/store/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Audit is the append-only decision log. Entries are never updated or
// deleted by the kernel.
type Audit interface {
	Create(ctx context.Context, entry domain.AuditEntry) error
	ListByCorrelation(ctx context.Context, correlationId string) ([]domain.AuditEntry, error)
	ListByDevice(ctx context.Context, deviceId domain.DeviceId, since time.Time, limit int) ([]domain.AuditEntry, error)
	InitialMigration() error
}

type AuditStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Audit = (*AuditStore)(nil)

func NewAudit(db *gorm.DB, log logrus.FieldLogger) Audit {
	return &AuditStore{db: db, log: log}
}

func (s *AuditStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.AuditEntry{})
}

func (s *AuditStore) Create(ctx context.Context, entry domain.AuditEntry) error {
	record, err := model.NewAuditEntryFromDomain(entry)
	if err != nil {
		return err
	}
	return cferrors.ErrorFromGormError(s.db.WithContext(ctx).Create(record).Error)
}

func (s *AuditStore) ListByCorrelation(ctx context.Context, correlationId string) ([]domain.AuditEntry, error) {
	var records []model.AuditEntry
	result := s.db.WithContext(ctx).Order("timestamp").Find(&records, "correlation_id = ?", correlationId)
	if result.Error != nil {
		return nil, cferrors.ErrorFromGormError(result.Error)
	}
	return toDomainAuditEntries(records)
}

func (s *AuditStore) ListByDevice(ctx context.Context, deviceId domain.DeviceId, since time.Time, limit int) ([]domain.AuditEntry, error) {
	var records []model.AuditEntry
	query := s.db.WithContext(ctx).Order("timestamp desc").Where("device_id = ? AND timestamp >= ?", deviceId.String(), since.UTC())
	if limit > 0 {
		query = query.Limit(limit)
	}
	if result := query.Find(&records); result.Error != nil {
		return nil, cferrors.ErrorFromGormError(result.Error)
	}
	return toDomainAuditEntries(records)
}

func toDomainAuditEntries(records []model.AuditEntry) ([]domain.AuditEntry, error) {
	entries := make([]domain.AuditEntry, 0, len(records))
	for i := range records {
		entry, err := records[i].ToDomain()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

package store

import (
	"context"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Store aggregates the durable collections: functional systems, overrides
// and the audit log. Hot twin state lives in the kv store, not here.
type Store interface {
	System() System
	Override() Override
	Audit() Audit
	InitialMigration() error
	Ping(ctx context.Context) error
	Close() error
}

type DataStore struct {
	system   System
	override Override
	audit    Audit

	db *gorm.DB
}

func NewStore(db *gorm.DB, log logrus.FieldLogger) Store {
	return &DataStore{
		system:   NewSystem(db, log),
		override: NewOverride(db, log),
		audit:    NewAudit(db, log),
		db:       db,
	}
}

func (s *DataStore) System() System { return s.system }

func (s *DataStore) Override() Override { return s.override }

func (s *DataStore) Audit() Audit { return s.audit }

func (s *DataStore) InitialMigration() error {
	if err := s.System().InitialMigration(); err != nil {
		return err
	}
	if err := s.Override().InitialMigration(); err != nil {
		return err
	}
	return s.Audit().InitialMigration()
}

func (s *DataStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

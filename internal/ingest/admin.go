package ingest

import (
	"context"

	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/override"
	"github.com/calcifer-iot/calcifer/internal/twin"
	"github.com/sirupsen/logrus"
)

// AdminService covers device lifecycle operations outside the normal twin
// flow.
type AdminService struct {
	twins     twin.Store
	overrides *override.Store
	log       logrus.FieldLogger
}

func NewAdminService(twins twin.Store, overrides *override.Store, log logrus.FieldLogger) *AdminService {
	return &AdminService{twins: twins, overrides: overrides, log: log}
}

// Decommission removes a device entirely: its overrides, its twin hash and
// its index entry. Durable audit history is kept.
func (s *AdminService) Decommission(ctx context.Context, id domain.DeviceId, actor, correlationId string) error {
	for _, category := range domain.OverridableCategories() {
		if _, err := s.overrides.DeleteByTargetAndCategory(ctx, id.String(), category); err != nil {
			return err
		}
	}
	if err := s.twins.DeleteDevice(ctx, id); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"device": id.String(), "correlationId": correlationId}).
		Infof("device decommissioned by %s", actor)
	return nil
}

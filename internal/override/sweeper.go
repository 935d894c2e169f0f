package override

import (
	"context"
	"time"

	"github.com/calcifer-iot/calcifer/internal/audit"
	"github.com/calcifer-iot/calcifer/internal/bus"
	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/instrumentation/metrics"
	"github.com/calcifer-iot/calcifer/pkg/reqid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper removes expired overrides on a cron schedule. The cache drops
// entries by TTL on its own; the sweep cleans the durable primary and makes
// the expiry observable as events and audit records, so affected devices
// fall back to their intent promptly.
type Sweeper struct {
	overrides *Store
	publisher bus.Publisher
	audit     *audit.Sink
	log       logrus.FieldLogger
	metrics   *metrics.KernelMetrics
	cron      *cron.Cron
	now       func() time.Time
}

func NewSweeper(overrides *Store, publisher bus.Publisher, sink *audit.Sink, log logrus.FieldLogger, m *metrics.KernelMetrics) *Sweeper {
	return &Sweeper{
		overrides: overrides,
		publisher: publisher,
		audit:     sink,
		log:       log,
		metrics:   m,
		cron:      cron.New(),
		now:       time.Now,
	}
}

// Start schedules the sweep with a cron expression such as "@every 1m".
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.WithError(err).Error("override expiration sweep failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep removes every override whose expiry has passed. Failures on a
// single override are logged and the sweep moves on; the next cycle retries.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.overrides.FindExpired(ctx)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, o := range expired {
		correlationId := reqid.NextRequestID()
		deleted, err := s.overrides.DeleteByTargetAndCategory(ctx, o.TargetId, o.Category)
		if err != nil {
			s.log.WithError(err).Warnf("failed deleting expired override %s/%s", o.TargetId, o.Category)
			continue
		}
		if !deleted {
			continue
		}
		swept++
		s.metrics.OverridesExpired.Inc()

		s.audit.Record(ctx, domain.AuditEntry{
			CorrelationId: correlationId,
			DecisionType:  domain.DecisionOverrideExpired,
			Actor:         "override-sweeper",
			PreviousValue: o.Value,
			Reason:        "ttl elapsed",
			Context: map[string]string{
				"target":   o.TargetId,
				"scope":    string(o.Scope),
				"category": o.Category.String(),
			},
		})

		event := domain.NewOverrideEvent(domain.EventOverrideExpired, o.TargetId, o.Scope, o.Category, correlationId, s.now())
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.log.WithError(err).Warnf("failed publishing override-expired event for %s", o.TargetId)
		}
	}
	if swept > 0 {
		s.log.Infof("expired %d overrides", swept)
	}
	return swept, nil
}

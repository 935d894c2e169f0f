package audit

import (
	"context"
	"time"

	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/instrumentation/metrics"
	"github.com/calcifer-iot/calcifer/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Sink writes decision records to the durable audit log. Audit writes are
// best effort: a failed write is counted and logged, it never fails the
// decision that produced it.
type Sink struct {
	audit   store.Audit
	log     logrus.FieldLogger
	metrics *metrics.KernelMetrics
	now     func() time.Time
}

func NewSink(audit store.Audit, log logrus.FieldLogger, m *metrics.KernelMetrics) *Sink {
	return &Sink{audit: audit, log: log, metrics: m, now: time.Now}
}

// Record persists one audit entry, filling in id and timestamp when unset.
func (s *Sink) Record(ctx context.Context, entry domain.AuditEntry) {
	if entry.Id == "" {
		entry.Id = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	if err := s.audit.Create(ctx, entry); err != nil {
		s.metrics.AuditWriteFailures.Inc()
		s.log.WithError(err).WithFields(logrus.Fields{
			"decision":      entry.DecisionType,
			"correlationId": entry.CorrelationId,
		}).Warn("audit write failed")
	}
}

// RecordDecision is the common shape for device-scoped decisions.
func (s *Sink) RecordDecision(ctx context.Context, correlationId string, deviceId domain.DeviceId, decision domain.DecisionType, actor, reason string, previous, next domain.DeviceValue, context map[string]string) {
	id := deviceId
	s.Record(ctx, domain.AuditEntry{
		CorrelationId: correlationId,
		DeviceId:      &id,
		DecisionType:  decision,
		Actor:         actor,
		PreviousValue: previous,
		NewValue:      next,
		Reason:        reason,
		Context:       context,
	})
}

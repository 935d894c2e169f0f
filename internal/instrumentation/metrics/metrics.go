package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// KernelMetrics gathers the counters and gauges of the twin-state kernel.
// Constructed once at startup and handed to each component; updates are
// lock-free prometheus primitives.
type KernelMetrics struct {
	// reconciliation
	ReconcileOutcomes *prometheus.CounterVec
	CasConflicts      prometheus.Counter
	RuleFailures      *prometheus.CounterVec

	// command dispatch
	CommandsSent      prometheus.Counter
	CommandsDebounced prometheus.Counter
	CommandsSkipped   *prometheus.CounterVec

	// inbound feedback
	IdempotencyDrops prometheus.Counter
	FeedbackRejected *prometheus.CounterVec

	// overrides
	OverridesExpired prometheus.Counter
	OverridesBlocked prometheus.Counter

	// infrastructure
	HealthyGauge       *prometheus.GaugeVec
	DowntimeSeconds    *prometheus.GaugeVec
	AuditWriteFailures prometheus.Counter
}

func NewKernelMetrics() *KernelMetrics {
	return &KernelMetrics{
		ReconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calcifer_reconcile_outcomes_total",
			Help: "Total number of reconciliation runs by outcome",
		}, []string{"outcome"}),
		CasConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calcifer_twin_cas_conflicts_total",
			Help: "Total number of twin writes that lost the per-device epoch race",
		}),
		RuleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calcifer_safety_rule_failures_total",
			Help: "Total number of safety rules that panicked or timed out",
		}, []string{"rule"}),
		CommandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calcifer_commands_sent_total",
			Help: "Total number of commands published to the outbound adapter",
		}),
		CommandsDebounced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calcifer_commands_debounced_total",
			Help: "Total number of desired-state events coalesced within a debounce window",
		}),
		CommandsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calcifer_commands_skipped_total",
			Help: "Total number of command emissions skipped by cause",
		}, []string{"cause"}),
		IdempotencyDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calcifer_feedback_idempotency_drops_total",
			Help: "Total number of duplicate feedback messages dropped",
		}),
		FeedbackRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calcifer_feedback_rejected_total",
			Help: "Total number of feedback payloads rejected by family",
		}, []string{"family"}),
		OverridesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calcifer_overrides_expired_total",
			Help: "Total number of overrides removed by the expiration sweeper",
		}),
		OverridesBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calcifer_overrides_blocked_total",
			Help: "Total number of override applications refused by safety rules",
		}),
		HealthyGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "calcifer_component_healthy",
			Help: "Critical component health (1 healthy, 0 unhealthy)",
		}, []string{"component"}),
		DowntimeSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "calcifer_component_downtime_seconds",
			Help: "Duration of the most recent outage per component",
		}, []string{"component"}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calcifer_audit_write_failures_total",
			Help: "Total number of audit entries that could not be persisted",
		}),
	}
}

// Register registers every collector on the given registry.
func (m *KernelMetrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.ReconcileOutcomes,
		m.CasConflicts,
		m.RuleFailures,
		m.CommandsSent,
		m.CommandsDebounced,
		m.CommandsSkipped,
		m.IdempotencyDrops,
		m.FeedbackRejected,
		m.OverridesExpired,
		m.OverridesBlocked,
		m.HealthyGauge,
		m.DowntimeSeconds,
		m.AuditWriteFailures,
	)
}

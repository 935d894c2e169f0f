package health

import (
	"context"
	"sync"
	"time"

	"github.com/calcifer-iot/calcifer/internal/audit"
	"github.com/calcifer-iot/calcifer/internal/bus"
	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/instrumentation/metrics"
	"github.com/calcifer-iot/calcifer/pkg/thread"
	"github.com/sirupsen/logrus"
)

const DefaultInterval = 5 * time.Second

// Pinger is one critical dependency the kernel fail-stops on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a bare function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type componentState struct {
	healthy   bool
	downSince time.Time
}

// Monitor polls the critical components on a fixed interval and publishes
// Failure/Recovery transitions. IsHealthy answers the fail-stop gate: the
// kernel takes no decisions while any component is down.
type Monitor struct {
	components map[string]Pinger
	publisher  bus.Publisher
	audit      *audit.Sink
	log        logrus.FieldLogger
	metrics    *metrics.KernelMetrics
	interval   time.Duration
	now        func() time.Time

	mu     sync.RWMutex
	states map[string]*componentState
	thread *thread.Thread
}

func NewMonitor(components map[string]Pinger, publisher bus.Publisher, sink *audit.Sink, interval time.Duration, log logrus.FieldLogger, m *metrics.KernelMetrics) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	states := make(map[string]*componentState, len(components))
	for name := range components {
		// Components start healthy; the first failed probe flips them.
		states[name] = &componentState{healthy: true}
	}
	return &Monitor{
		components: components,
		publisher:  publisher,
		audit:      sink,
		log:        log,
		metrics:    m,
		interval:   interval,
		now:        time.Now,
		states:     states,
	}
}

func (mo *Monitor) Start(ctx context.Context) {
	mo.thread = thread.New(ctx, mo.log, "Health Monitor", mo.interval, mo.Probe)
	mo.thread.Start()
}

func (mo *Monitor) Stop() {
	if mo.thread != nil {
		mo.thread.Stop()
	}
}

// IsHealthy reports whether every critical component answered its last probe.
func (mo *Monitor) IsHealthy() bool {
	mo.mu.RLock()
	defer mo.mu.RUnlock()
	for _, state := range mo.states {
		if !state.healthy {
			return false
		}
	}
	return true
}

// Probe pings every component once and records transitions.
func (mo *Monitor) Probe(ctx context.Context) {
	for name, pinger := range mo.components {
		err := pinger.Ping(ctx)
		mo.observe(ctx, name, err)
	}
}

func (mo *Monitor) observe(ctx context.Context, name string, probeErr error) {
	mo.mu.Lock()
	state := mo.states[name]
	wasHealthy := state.healthy
	now := mo.now().UTC()

	if probeErr != nil {
		state.healthy = false
		if wasHealthy {
			state.downSince = now
		}
	} else {
		state.healthy = true
	}
	downSince := state.downSince
	mo.mu.Unlock()

	switch {
	case probeErr != nil && wasHealthy:
		mo.metrics.HealthyGauge.WithLabelValues(name).Set(0)
		mo.log.WithError(probeErr).Errorf("component %s is down", name)
		mo.audit.Record(ctx, domain.AuditEntry{
			DecisionType: domain.DecisionInfrastructureDown,
			Actor:        "health-monitor",
			Reason:       probeErr.Error(),
			Context:      map[string]string{"component": name},
		})
		mo.publish(ctx, domain.NewInfrastructureEvent(domain.EventInfrastructureFailure, name, 0, now))
	case probeErr == nil && !wasHealthy:
		downtime := now.Sub(downSince)
		mo.metrics.HealthyGauge.WithLabelValues(name).Set(1)
		mo.metrics.DowntimeSeconds.WithLabelValues(name).Set(downtime.Seconds())
		mo.log.Infof("component %s recovered after %s", name, downtime)
		mo.audit.Record(ctx, domain.AuditEntry{
			DecisionType: domain.DecisionInfrastructureUp,
			Actor:        "health-monitor",
			Reason:       "recovered after " + downtime.String(),
			Context:      map[string]string{"component": name},
		})
		mo.publish(ctx, domain.NewInfrastructureEvent(domain.EventInfrastructureRecovery, name, downtime, now))
	case probeErr == nil && wasHealthy:
		mo.metrics.HealthyGauge.WithLabelValues(name).Set(1)
	}
}

func (mo *Monitor) publish(ctx context.Context, event domain.Event) {
	if err := mo.publisher.Publish(ctx, event); err != nil {
		mo.log.WithError(err).Warnf("failed publishing %s event for %s", event.Kind, event.Component)
	}
}

package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/calcifer-iot/calcifer/internal/bus"
	"github.com/calcifer-iot/calcifer/internal/cferrors"
	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/instrumentation/metrics"
	"github.com/calcifer-iot/calcifer/internal/twin"
	"github.com/calcifer-iot/calcifer/internal/wire"
	pkglog "github.com/calcifer-iot/calcifer/pkg/log"
	"github.com/sirupsen/logrus"
)

const DefaultDebounce = 50 * time.Millisecond

// CommandPublisher is the outbound boundary. The broker adapter implements
// it; tests substitute a recorder.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, topic, payload string) error
}

// HealthGate answers whether commands may be sent at all.
type HealthGate interface {
	IsHealthy() bool
}

const (
	skipUnhealthy   = "unhealthy"
	skipConverged   = "converged"
	skipNoDesired   = "no_desired"
	skipUnknownType = "unknown_type"
)

// Dispatcher turns desired-state events into wire commands. Events for the
// same device within the debounce window coalesce into a single command; the
// twin is re-read when the window closes so the freshest desired value wins.
type Dispatcher struct {
	twins     twin.Store
	health    HealthGate
	publisher CommandPublisher
	debounce  time.Duration
	log       logrus.FieldLogger
	metrics   *metrics.KernelMetrics

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
	wg      sync.WaitGroup
}

func NewDispatcher(twins twin.Store, health HealthGate, publisher CommandPublisher, debounce time.Duration, log logrus.FieldLogger, m *metrics.KernelMetrics) *Dispatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Dispatcher{
		twins:     twins,
		health:    health,
		publisher: publisher,
		debounce:  debounce,
		log:       log,
		metrics:   m,
		pending:   map[string]*time.Timer{},
	}
}

// Start attaches the dispatcher to its consumer group.
func (d *Dispatcher) Start(ctx context.Context, consumer bus.Consumer) error {
	return consumer.Consume(ctx, d.HandleEvent)
}

// HandleEvent schedules a dispatch for every desired-state event. All other
// event kinds on the stream are ignored here.
func (d *Dispatcher) HandleEvent(ctx context.Context, event domain.Event, log logrus.FieldLogger) error {
	if event.Kind != domain.EventDesiredCalculated {
		return nil
	}
	id, err := domain.ParseDeviceId(event.DeviceId)
	if err != nil {
		log.WithError(err).Warnf("dropping desired-state event with malformed device id %q", event.DeviceId)
		return nil
	}
	d.schedule(id)
	return nil
}

// schedule arms or extends the device's debounce timer. Every event pushes
// the window out, so the command goes a full quiet interval after the most
// recent desired change; the fire re-reads the twin so it always carries the
// latest value.
func (d *Dispatcher) schedule(id domain.DeviceId) {
	key := id.String()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if timer, armed := d.pending[key]; armed {
		d.metrics.CommandsDebounced.Inc()
		timer.Reset(d.debounce)
		return
	}
	d.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(d.debounce, func() {
		// A Reset that races with an expiry can make the timer fire more
		// than once. Only the fire that still owns the pending entry
		// dispatches; the rest are no-ops.
		d.mu.Lock()
		owned := d.pending[key] == timer
		if owned {
			delete(d.pending, key)
		}
		d.mu.Unlock()
		if !owned {
			return
		}
		defer d.wg.Done()
		d.dispatch(context.Background(), id)
	})
	d.pending[key] = timer
}

func (d *Dispatcher) dispatch(ctx context.Context, id domain.DeviceId) {
	log := pkglog.WithDevice(id.String(), d.log)

	if !d.health.IsHealthy() {
		d.metrics.CommandsSkipped.WithLabelValues(skipUnhealthy).Inc()
		log.Warn("skipping command, infrastructure unhealthy")
		return
	}

	snapshot, err := d.twins.FindTwinSnapshot(ctx, id)
	if err != nil {
		if errors.Is(err, cferrors.ErrDeviceNotFound) {
			d.metrics.CommandsSkipped.WithLabelValues(skipNoDesired).Inc()
			return
		}
		log.WithError(err).Error("failed reading twin before dispatch")
		return
	}
	if snapshot.Desired == nil {
		d.metrics.CommandsSkipped.WithLabelValues(skipNoDesired).Inc()
		return
	}
	if snapshot.IsConverged() {
		d.metrics.CommandsSkipped.WithLabelValues(skipConverged).Inc()
		log.Debug("skipping command, device already converged")
		return
	}

	cmd := wire.Command{DeviceId: id, DeviceType: snapshot.DeviceType, Value: snapshot.Desired.Value}
	topic, err := wire.CommandTopic(cmd)
	if err != nil {
		d.metrics.CommandsSkipped.WithLabelValues(skipUnknownType).Inc()
		log.WithError(err).Error("cannot route command")
		return
	}
	payload, err := wire.EncodeCommandPayload(cmd.Value)
	if err != nil {
		d.metrics.CommandsSkipped.WithLabelValues(skipUnknownType).Inc()
		log.WithError(err).Error("cannot encode command")
		return
	}

	if err := d.publisher.PublishCommand(ctx, topic, payload); err != nil {
		log.WithError(err).Errorf("failed publishing command %q to %s", payload, topic)
		return
	}
	d.metrics.CommandsSent.Inc()
	log.Infof("dispatched %q to %s", payload, topic)
}

// Close flushes every armed debounce timer immediately and waits for the
// resulting dispatches to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	flush := make([]domain.DeviceId, 0, len(d.pending))
	for key, timer := range d.pending {
		if !timer.Stop() {
			// A fire is already in flight; it still owns the entry and will
			// dispatch and clean up on its own.
			continue
		}
		delete(d.pending, key)
		if id, err := domain.ParseDeviceId(key); err == nil {
			flush = append(flush, id)
		} else {
			d.wg.Done()
		}
	}
	d.mu.Unlock()

	for _, id := range flush {
		d.dispatch(context.Background(), id)
		d.wg.Done()
	}
	d.wg.Wait()
}

package logic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/calcifer-iot/calcifer/internal/audit"
	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/instrumentation/metrics"
	"github.com/calcifer-iot/calcifer/internal/kvstore"
	"github.com/calcifer-iot/calcifer/internal/override"
	"github.com/calcifer-iot/calcifer/internal/safety"
	"github.com/calcifer-iot/calcifer/internal/store"
	"github.com/calcifer-iot/calcifer/internal/twin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// Shared in-memory fakes for the logic tests.

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakePublisher) Publish(_ context.Context, event domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) Close() {}

func (f *fakePublisher) kinds() []domain.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EventKind, len(f.events))
	for i, e := range f.events {
		out[i] = e.Kind
	}
	return out
}

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

var _ store.Audit = (*fakeAuditStore)(nil)

func (f *fakeAuditStore) Create(_ context.Context, entry domain.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditStore) ListByCorrelation(_ context.Context, _ string) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (f *fakeAuditStore) ListByDevice(_ context.Context, _ domain.DeviceId, _ time.Time, _ int) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (f *fakeAuditStore) InitialMigration() error { return nil }

func (f *fakeAuditStore) decisions() []domain.DecisionType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.DecisionType, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.DecisionType
	}
	return out
}

type fakeSystemStore struct {
	mu      sync.Mutex
	systems map[string]*domain.FunctionalSystem
	byDev   map[string]string
}

var _ store.System = (*fakeSystemStore)(nil)

func newFakeSystemStore() *fakeSystemStore {
	return &fakeSystemStore{systems: map[string]*domain.FunctionalSystem{}, byDev: map[string]string{}}
}

func (f *fakeSystemStore) add(s *domain.FunctionalSystem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systems[s.Id] = s
	for id := range s.DeviceIds {
		f.byDev[id] = s.Id
	}
}

func (f *fakeSystemStore) CreateOrUpdate(_ context.Context, s *domain.FunctionalSystem) (*domain.FunctionalSystem, error) {
	f.add(s)
	return s, nil
}

func (f *fakeSystemStore) Get(_ context.Context, id string) (*domain.FunctionalSystem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.systems[id], nil
}

func (f *fakeSystemStore) GetByDevice(_ context.Context, deviceId domain.DeviceId) (*domain.FunctionalSystem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	systemId, ok := f.byDev[deviceId.String()]
	if !ok {
		return nil, nil
	}
	return f.systems[systemId], nil
}

func (f *fakeSystemStore) List(_ context.Context) ([]domain.FunctionalSystem, error) { return nil, nil }

func (f *fakeSystemStore) Delete(_ context.Context, _ string) error { return nil }

func (f *fakeSystemStore) InitialMigration() error { return nil }

type fakeDurableOverrides struct {
	mu      sync.Mutex
	records map[string]domain.Override
}

var _ store.Override = (*fakeDurableOverrides)(nil)

func newFakeDurableOverrides() *fakeDurableOverrides {
	return &fakeDurableOverrides{records: map[string]domain.Override{}}
}

func overrideKey(targetId string, category domain.OverrideCategory) string {
	return targetId + "/" + category.String()
}

func (f *fakeDurableOverrides) Upsert(_ context.Context, o domain.Override) (domain.Override, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[overrideKey(o.TargetId, o.Category)] = o
	return o, nil
}

func (f *fakeDurableOverrides) Delete(_ context.Context, targetId string, category domain.OverrideCategory) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := overrideKey(targetId, category)
	_, ok := f.records[key]
	delete(f.records, key)
	return ok, nil
}

func (f *fakeDurableOverrides) Get(_ context.Context, targetId string, category domain.OverrideCategory) (*domain.Override, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.records[overrideKey(targetId, category)]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (f *fakeDurableOverrides) ListByTarget(_ context.Context, targetId string) ([]domain.Override, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Override
	for _, o := range f.records {
		if o.TargetId == targetId {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeDurableOverrides) ListExpired(_ context.Context, now time.Time) ([]domain.Override, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Override
	for _, o := range f.records {
		if o.IsExpired(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeDurableOverrides) ListActive(_ context.Context, now time.Time) ([]domain.Override, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Override
	for _, o := range f.records {
		if !o.IsExpired(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeDurableOverrides) InitialMigration() error { return nil }

type stubHealth struct{ healthy bool }

func (s *stubHealth) IsHealthy() bool { return s.healthy }

// fixture assembles a full kernel around in-memory stores.
type fixture struct {
	twins     twin.Store
	overrides *override.Store
	systems   *fakeSystemStore
	health    *stubHealth
	publisher *fakePublisher
	auditlog  *fakeAuditStore

	calculator  *Calculator
	coordinator *Coordinator
	service     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	m := metrics.NewKernelMetrics()
	kv := kvstore.NewInMemory()

	twins := twin.NewStore(kv, log, m, 3)
	overrides := override.NewStore(newFakeDurableOverrides(), kv, log)
	resolver := override.NewResolver(overrides)
	rules := append(safety.HardcodedRules(), safety.SystemRules()...)
	engine := safety.NewEngine(rules, 100*time.Millisecond, log, m)
	systems := newFakeSystemStore()
	systemResolver := NewSystemResolver(systems)
	t.Cleanup(systemResolver.Stop)
	health := &stubHealth{healthy: true}
	publisher := &fakePublisher{}
	auditlog := &fakeAuditStore{}
	sink := audit.NewSink(auditlog, log, m)

	calculator := NewCalculator(resolver, twins, engine, log)
	coordinator := NewCoordinator(twins, systemResolver, calculator, health, publisher, sink, log, m)
	service := NewService(coordinator, systemResolver, 2, 16, log)
	t.Cleanup(service.Stop)

	return &fixture{
		twins:       twins,
		overrides:   overrides,
		systems:     systems,
		health:      health,
		publisher:   publisher,
		auditlog:    auditlog,
		calculator:  calculator,
		coordinator: coordinator,
		service:     service,
	}
}

func (fx *fixture) saveIntent(t *testing.T, id domain.DeviceId, deviceType domain.DeviceType, value domain.DeviceValue) {
	t.Helper()
	intent, err := domain.NewUserIntent(id, deviceType, value, time.Now())
	require.NoError(t, err)
	require.NoError(t, fx.twins.SaveIntent(context.Background(), intent))
}

func (fx *fixture) saveOverride(t *testing.T, targetId string, scope domain.OverrideScope, category domain.OverrideCategory, value domain.DeviceValue) {
	t.Helper()
	o, err := domain.NewOverride(targetId, scope, category, value, "testing", "tester", nil, time.Now())
	require.NoError(t, err)
	_, err = fx.overrides.Save(context.Background(), o)
	require.NoError(t, err)
}

func mustId(t *testing.T, controller, component string) domain.DeviceId {
	t.Helper()
	id, err := domain.NewDeviceId(controller, component)
	require.NoError(t, err)
	return id
}

func fireSystem(fireId, pumpId domain.DeviceId) *domain.FunctionalSystem {
	return &domain.FunctionalSystem{
		Id:   "fire-circuit",
		Type: domain.SystemTypeFireSafety,
		Configuration: map[string]string{
			safety.ConfigFireDeviceId: fireId.String(),
			safety.ConfigPumpDeviceId: pumpId.String(),
		},
		DeviceIds: map[string]struct{}{fireId.String(): {}, pumpId.String(): {}},
	}
}

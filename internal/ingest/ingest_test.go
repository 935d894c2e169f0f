package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/store"
	"github.com/stretchr/testify/require"
)

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

func mustId(t *testing.T, controller, component string) domain.DeviceId {
	t.Helper()
	id, err := domain.NewDeviceId(controller, component)
	require.NoError(t, err)
	return id
}

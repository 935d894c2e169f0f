package twin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/calcifer-iot/calcifer/internal/cferrors"
	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/instrumentation/metrics"
	"github.com/calcifer-iot/calcifer/internal/instrumentation/tracing"
	"github.com/calcifer-iot/calcifer/internal/kvstore"
	"github.com/calcifer-iot/calcifer/pkg/poll"
	"github.com/sirupsen/logrus"
)

const (
	activeOutputsKey = "index:active:outputs"

	fieldIntent       = "intent"
	fieldReported     = "reported"
	fieldDesired      = "desired"
	fieldLastActivity = "lastActivity"
	fieldEpoch        = "epoch"

	casBaseDelay = 10 * time.Millisecond
)

// Store holds the three orthogonal twin slots per device. All writes go
// through a per-device epoch compare-and-swap so readers never observe a
// partially updated composite.
type Store interface {
	SaveIntent(ctx context.Context, intent domain.UserIntent) error
	FindIntent(ctx context.Context, id domain.DeviceId) (*domain.UserIntent, error)
	SaveReported(ctx context.Context, reported domain.ReportedDeviceState) error
	FindReported(ctx context.Context, id domain.DeviceId) (*domain.ReportedDeviceState, error)
	SaveDesired(ctx context.Context, desired domain.DesiredDeviceState) error
	FindDesired(ctx context.Context, id domain.DeviceId) (*domain.DesiredDeviceState, error)
	FindAllActiveOutputs(ctx context.Context) ([]domain.DesiredDeviceState, error)
	FindTwinSnapshot(ctx context.Context, id domain.DeviceId) (*domain.DeviceTwinSnapshot, error)
	FindLastActivity(ctx context.Context, id domain.DeviceId) (*time.Time, error)
	DeleteDevice(ctx context.Context, id domain.DeviceId) error
	SweepOrphanIndex(ctx context.Context) (int, error)
	FindStale(ctx context.Context, olderThan time.Duration) ([]domain.DeviceId, error)
}

type twinStore struct {
	kv         kvstore.KVStore
	log        logrus.FieldLogger
	metrics    *metrics.KernelMetrics
	maxRetries int
	now        func() time.Time
}

func NewStore(kv kvstore.KVStore, log logrus.FieldLogger, m *metrics.KernelMetrics, maxRetries int) Store {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &twinStore{kv: kv, log: log, metrics: m, maxRetries: maxRetries, now: time.Now}
}

func deviceKey(id domain.DeviceId) string {
	return fmt.Sprintf("device:%s:%s", id.ControllerId, id.ComponentId)
}

// Slot records as stored in the per-device hash. The value payload is the
// tagged envelope from domain.MarshalValue.
type intentRecord struct {
	Type      domain.DeviceType `json:"type"`
	Value     json.RawMessage   `json:"value"`
	CreatedAt time.Time         `json:"createdAt"`
}

type reportedRecord struct {
	Type       domain.DeviceType `json:"type"`
	Value      json.RawMessage   `json:"value,omitempty"`
	ReportedAt time.Time         `json:"reportedAt"`
	Known      bool              `json:"known"`
}

type desiredRecord struct {
	Type  domain.DeviceType `json:"type"`
	Value json.RawMessage   `json:"value"`
}

func (s *twinStore) SaveIntent(ctx context.Context, intent domain.UserIntent) error {
	if err := domain.ValidateValueForType(intent.DeviceType, intent.Value); err != nil {
		return err
	}
	raw, err := domain.MarshalValue(intent.Value)
	if err != nil {
		return err
	}
	rec, err := json.Marshal(intentRecord{Type: intent.DeviceType, Value: raw, CreatedAt: intent.CreatedAt})
	if err != nil {
		return err
	}
	return s.commitSlot(ctx, intent.DeviceId, fieldIntent, string(rec))
}

func (s *twinStore) SaveReported(ctx context.Context, reported domain.ReportedDeviceState) error {
	rec := reportedRecord{Type: reported.DeviceType, ReportedAt: reported.ReportedAt, Known: reported.IsKnown}
	if reported.IsKnown {
		if err := domain.ValidateValueForType(reported.DeviceType, reported.Value); err != nil {
			return err
		}
		raw, err := domain.MarshalValue(reported.Value)
		if err != nil {
			return err
		}
		rec.Value = raw
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.commitSlot(ctx, reported.DeviceId, fieldReported, string(data))
}

func (s *twinStore) SaveDesired(ctx context.Context, desired domain.DesiredDeviceState) error {
	if err := domain.ValidateValueForType(desired.DeviceType, desired.Value); err != nil {
		return err
	}
	raw, err := domain.MarshalValue(desired.Value)
	if err != nil {
		return err
	}
	rec, err := json.Marshal(desiredRecord{Type: desired.DeviceType, Value: raw})
	if err != nil {
		return err
	}
	if err := s.commitSlot(ctx, desired.DeviceId, fieldDesired, string(rec)); err != nil {
		return err
	}
	// Maintain the active-OUTPUT index. A failure here leaves the index to
	// the orphan sweep, it does not undo the committed write.
	canonical := desired.DeviceId.String()
	if desired.DeviceType.Capability() == domain.CapabilityOutput {
		err = s.kv.SAdd(ctx, activeOutputsKey, canonical)
	} else {
		err = s.kv.SRem(ctx, activeOutputsKey, canonical)
	}
	if err != nil {
		s.log.WithError(err).Warnf("failed updating active-output index for %s", canonical)
	}
	return nil
}

// commitSlot stages one slot write plus the activity timestamp and commits
// them under the device epoch, retrying with backoff on conflict.
func (s *twinStore) commitSlot(ctx context.Context, id domain.DeviceId, field, value string) error {
	ctx, span := tracing.StartSpan(ctx, "calcifer/twin", "CommitSlot")
	defer span.End()

	key := deviceKey(id)
	cfg := &poll.Config{BaseDelay: casBaseDelay, Factor: 2}
	// maxRetries is the retry budget on top of the initial attempt.
	err := poll.Retry(ctx, cfg, s.maxRetries+1, func(ctx context.Context) (bool, error) {
		fields, err := s.kv.HGetAll(ctx, key)
		if err != nil {
			return false, err
		}
		epoch, err := parseEpoch(fields)
		if err != nil {
			return false, err
		}
		committed, err := s.kv.HSetIfEpoch(ctx, key, epoch, map[string]string{
			field:             value,
			fieldLastActivity: s.now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return false, err
		}
		if !committed {
			s.metrics.CasConflicts.Inc()
			return true, fmt.Errorf("epoch moved for %s", id)
		}
		return false, nil
	})
	if errors.Is(err, poll.ErrRetriesExhausted) {
		return fmt.Errorf("%w: device %s", cferrors.ErrConflictExhausted, id)
	}
	return err
}

func parseEpoch(fields map[string]string) (int64, error) {
	raw, ok := fields[fieldEpoch]
	if !ok {
		return 0, nil
	}
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt epoch field: %w", err)
	}
	return epoch, nil
}

func (s *twinStore) FindIntent(ctx context.Context, id domain.DeviceId) (*domain.UserIntent, error) {
	snapshot, err := s.FindTwinSnapshot(ctx, id)
	if err != nil {
		if errors.Is(err, cferrors.ErrDeviceNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return snapshot.Intent, nil
}

func (s *twinStore) FindReported(ctx context.Context, id domain.DeviceId) (*domain.ReportedDeviceState, error) {
	snapshot, err := s.FindTwinSnapshot(ctx, id)
	if err != nil {
		if errors.Is(err, cferrors.ErrDeviceNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return snapshot.Reported, nil
}

func (s *twinStore) FindDesired(ctx context.Context, id domain.DeviceId) (*domain.DesiredDeviceState, error) {
	snapshot, err := s.FindTwinSnapshot(ctx, id)
	if err != nil {
		if errors.Is(err, cferrors.ErrDeviceNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return snapshot.Desired, nil
}

// FindTwinSnapshot performs one multi-field read of the device hash. It
// returns cferrors.ErrDeviceNotFound when no slot was ever written and
// cferrors.ErrTypeInconsistency when the slots disagree on device type.
func (s *twinStore) FindTwinSnapshot(ctx context.Context, id domain.DeviceId) (*domain.DeviceTwinSnapshot, error) {
	fields, err := s.kv.HGetAll(ctx, deviceKey(id))
	if err != nil {
		return nil, err
	}

	var intent *domain.UserIntent
	if raw, ok := fields[fieldIntent]; ok {
		intent, err = decodeIntent(id, raw)
		if err != nil {
			return nil, err
		}
	}
	var reported *domain.ReportedDeviceState
	if raw, ok := fields[fieldReported]; ok {
		reported, err = decodeReported(id, raw)
		if err != nil {
			return nil, err
		}
	}
	var desired *domain.DesiredDeviceState
	if raw, ok := fields[fieldDesired]; ok {
		desired, err = decodeDesired(id, raw)
		if err != nil {
			return nil, err
		}
	}

	snapshot, err := domain.NewTwinSnapshot(id, intent, reported, desired)
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func decodeIntent(id domain.DeviceId, raw string) (*domain.UserIntent, error) {
	var rec intentRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("corrupt intent slot for %s: %w", id, err)
	}
	value, err := domain.UnmarshalValue(rec.Value)
	if err != nil {
		return nil, fmt.Errorf("corrupt intent value for %s: %w", id, err)
	}
	return &domain.UserIntent{DeviceId: id, DeviceType: rec.Type, Value: value, CreatedAt: rec.CreatedAt}, nil
}

func decodeReported(id domain.DeviceId, raw string) (*domain.ReportedDeviceState, error) {
	var rec reportedRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("corrupt reported slot for %s: %w", id, err)
	}
	state := domain.ReportedDeviceState{DeviceId: id, DeviceType: rec.Type, ReportedAt: rec.ReportedAt, IsKnown: rec.Known}
	if rec.Known {
		value, err := domain.UnmarshalValue(rec.Value)
		if err != nil {
			return nil, fmt.Errorf("corrupt reported value for %s: %w", id, err)
		}
		state.Value = value
	}
	return &state, nil
}

func decodeDesired(id domain.DeviceId, raw string) (*domain.DesiredDeviceState, error) {
	var rec desiredRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("corrupt desired slot for %s: %w", id, err)
	}
	value, err := domain.UnmarshalValue(rec.Value)
	if err != nil {
		return nil, fmt.Errorf("corrupt desired value for %s: %w", id, err)
	}
	return &domain.DesiredDeviceState{DeviceId: id, DeviceType: rec.Type, Value: value}, nil
}

func (s *twinStore) FindAllActiveOutputs(ctx context.Context) ([]domain.DesiredDeviceState, error) {
	members, err := s.kv.SMembers(ctx, activeOutputsKey)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DesiredDeviceState, 0, len(members))
	for _, member := range members {
		id, err := domain.ParseDeviceId(member)
		if err != nil {
			s.log.Warnf("skipping malformed index entry %q", member)
			continue
		}
		desired, err := s.FindDesired(ctx, id)
		if err != nil {
			return nil, err
		}
		if desired != nil {
			out = append(out, *desired)
		}
	}
	return out, nil
}

func (s *twinStore) FindLastActivity(ctx context.Context, id domain.DeviceId) (*time.Time, error) {
	fields, err := s.kv.HGetAll(ctx, deviceKey(id))
	if err != nil {
		return nil, err
	}
	raw, ok := fields[fieldLastActivity]
	if !ok {
		return nil, nil
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt lastActivity for %s: %w", id, err)
	}
	return &at, nil
}

func (s *twinStore) DeleteDevice(ctx context.Context, id domain.DeviceId) error {
	if err := s.kv.SRem(ctx, activeOutputsKey, id.String()); err != nil {
		return err
	}
	return s.kv.Del(ctx, deviceKey(id))
}

// SweepOrphanIndex drops index entries whose primary hash no longer exists.
// Returns the number of entries removed.
func (s *twinStore) SweepOrphanIndex(ctx context.Context) (int, error) {
	members, err := s.kv.SMembers(ctx, activeOutputsKey)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, member := range members {
		id, err := domain.ParseDeviceId(member)
		if err != nil {
			if err := s.kv.SRem(ctx, activeOutputsKey, member); err == nil {
				removed++
			}
			continue
		}
		fields, err := s.kv.HGetAll(ctx, deviceKey(id))
		if err != nil {
			return removed, err
		}
		if _, ok := fields[fieldDesired]; ok {
			continue
		}
		if err := s.kv.SRem(ctx, activeOutputsKey, member); err != nil {
			return removed, err
		}
		removed++
		s.log.Infof("removed orphan index entry %s", member)
	}
	return removed, nil
}

// FindStale flags devices whose last activity is older than the cutoff. They
// are reported, never auto-deleted.
func (s *twinStore) FindStale(ctx context.Context, olderThan time.Duration) ([]domain.DeviceId, error) {
	keys, err := s.kv.ScanKeys(ctx, "device:*")
	if err != nil {
		return nil, err
	}
	cutoff := s.now().UTC().Add(-olderThan)
	var stale []domain.DeviceId
	for _, key := range keys {
		id, err := domain.ParseDeviceId(key[len("device:"):])
		if err != nil {
			continue
		}
		last, err := s.FindLastActivity(ctx, id)
		if err != nil {
			return nil, err
		}
		if last != nil && last.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale, nil
}

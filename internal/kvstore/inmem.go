package kvstore

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// inMemStore is a process-local KVStore used by unit tests and standalone
// deployments without a Redis instance. TTLs are honored lazily on read.
type inMemStore struct {
	mu      sync.Mutex
	strings map[string]inMemValue
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	now     func() time.Time
}

type inMemValue struct {
	data     []byte
	deadline time.Time
}

func NewInMemory() KVStore {
	return &inMemStore{
		strings: make(map[string]inMemValue),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		now:     time.Now,
	}
}

func (s *inMemStore) Close() {}

func (s *inMemStore) Ping(_ context.Context) error { return nil }

func (s *inMemStore) expired(v inMemValue) bool {
	return !v.deadline.IsZero() && !v.deadline.After(s.now())
}

func (s *inMemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.strings[key]
	if !ok || s.expired(v) {
		delete(s.strings, key)
		return nil, nil
	}
	return v.data, nil
}

func (s *inMemStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = s.newValue(value, ttl)
	return nil
}

func (s *inMemStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.strings[key]; ok && !s.expired(v) {
		return false, nil
	}
	s.strings[key] = s.newValue(value, ttl)
	return true, nil
}

func (s *inMemStore) newValue(value []byte, ttl time.Duration) inMemValue {
	v := inMemValue{data: append([]byte(nil), value...)}
	if ttl > 0 {
		v.deadline = s.now().Add(ttl)
	}
	return v
}

func (s *inMemStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.strings, key)
		delete(s.hashes, key)
		delete(s.sets, key)
		delete(s.zsets, key)
	}
	return nil
}

func (s *inMemStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *inMemStore) HSetIfEpoch(_ context.Context, key string, expectedEpoch int64, fields map[string]string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
	}
	cur := int64(0)
	if raw, ok := h["epoch"]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return false, fmt.Errorf("corrupt epoch field on %s: %w", key, err)
		}
		cur = parsed
	}
	if cur != expectedEpoch {
		return false, nil
	}
	for f, v := range fields {
		h[f] = v
	}
	h["epoch"] = strconv.FormatInt(cur+1, 10)
	s.hashes[key] = h
	return true, nil
}

func (s *inMemStore) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range fields {
		delete(s.hashes[key], f)
	}
	return nil
}

func (s *inMemStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *inMemStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.sets[key], m)
	}
	return nil
}

func (s *inMemStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *inMemStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *inMemStore) ZRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.zsets[key], m)
	}
	return nil
}

func (s *inMemStore) ZRevRange(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type entry struct {
		member string
		score  float64
	}
	entries := make([]entry, 0, len(s.zsets[key]))
	for m, sc := range s.zsets[key] {
		entries = append(entries, entry{member: m, score: sc})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		// Redis orders equal scores lexicographically; reversed here.
		return entries[i].member > entries[j].member
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.member
	}
	return out, nil
}

func (s *inMemStore) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	match := func(k string) {
		ok, err := path.Match(pattern, k)
		if err == nil && ok {
			keys = append(keys, k)
		}
	}
	for k, v := range s.strings {
		if !s.expired(v) {
			match(k)
		}
	}
	for k := range s.hashes {
		match(k)
	}
	for k := range s.sets {
		match(k)
	}
	for k := range s.zsets {
		match(k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Package testutil provides configurable test fakes for relay interfaces.
package testutil

import (
	"context"
	"sort"
	"sync"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu      sync.RWMutex
	keys    map[int64]porter.ProviderKey
	configs map[int64]porter.ModelConfig
	logs    []porter.RequestLog
	nextID  int64

	// Err, when non-nil, is returned by every method.
	Err error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		keys:    make(map[int64]porter.ProviderKey),
		configs: make(map[int64]porter.ModelConfig),
	}
}

// AddModelConfig inserts a model config, assigning an ID when unset.
func (s *FakeStore) AddModelConfig(mc porter.ModelConfig) porter.ModelConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mc.ID == 0 {
		s.nextID++
		mc.ID = s.nextID
	} else if mc.ID > s.nextID {
		s.nextID = mc.ID
	}
	s.configs[mc.ID] = mc
	return mc
}

// --- KeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, key *porter.ProviderKey) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	key.ID = s.nextID
	s.keys[key.ID] = *key
	return nil
}

func (s *FakeStore) ListKeys(context.Context) ([]porter.ProviderKey, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]porter.ProviderKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateKey(_ context.Context, key *porter.ProviderKey) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return porter.ErrNotFound
	}
	s.keys[key.ID] = *key
	return nil
}

func (s *FakeStore) DeleteKey(_ context.Context, id int64) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return porter.ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

// --- ModelConfigStore ---

func (s *FakeStore) CreateModelConfig(_ context.Context, mc *porter.ModelConfig) error {
	if s.Err != nil {
		return s.Err
	}
	*mc = s.AddModelConfig(*mc)
	return nil
}

func (s *FakeStore) ListModelConfigs(context.Context) ([]porter.ModelConfig, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]porter.ModelConfig, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateModelConfig(_ context.Context, mc *porter.ModelConfig) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[mc.ID]; !ok {
		return porter.ErrNotFound
	}
	s.configs[mc.ID] = *mc
	return nil
}

func (s *FakeStore) DeleteModelConfig(_ context.Context, id int64) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return porter.ErrNotFound
	}
	delete(s.configs, id)
	return nil
}

// --- RequestLogStore ---

func (s *FakeStore) InsertRequestLogs(_ context.Context, logs []porter.RequestLog) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	s.logs = append(s.logs, logs...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) QueryRequestLogs(_ context.Context, f storage.RequestLogFilter) ([]porter.RequestLog, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []porter.RequestLog
	for _, l := range s.logs {
		if f.Provider != "" && l.Provider != f.Provider {
			continue
		}
		if f.Model != "" && l.SourceModel != f.Model && l.TargetModel != f.Model {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *FakeStore) CountRequestLogs(ctx context.Context, f storage.RequestLogFilter) (int, error) {
	logs, err := s.QueryRequestLogs(ctx, f)
	return len(logs), err
}

// Logs returns a copy of all inserted request logs.
func (s *FakeStore) Logs() []porter.RequestLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]porter.RequestLog, len(s.logs))
	copy(out, s.logs)
	return out
}

func (s *FakeStore) Ping(context.Context) error { return s.Err }
func (s *FakeStore) Close() error               { return nil }

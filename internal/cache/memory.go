package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store for single-process deployments and tests.
type Memory struct {
	mu     sync.RWMutex
	values map[string]memoryEntry
	hashes map[string]map[string][]byte
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]memoryEntry),
		hashes: make(map[string]map[string][]byte),
		now:    time.Now,
	}
}

// WithClock replaces the clock used for TTL expiry.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		m.mu.Lock()
		delete(m.values, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (m *Memory) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.values[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *Memory) HashGet(_ context.Context, mapKey, field string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.hashes[mapKey][field]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (m *Memory) HashSet(_ context.Context, mapKey, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(mapKey, field, value)
	return nil
}

func (m *Memory) HashSetMany(_ context.Context, mapKey string, values map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for field, value := range values {
		m.setLocked(mapKey, field, value)
	}
	return nil
}

func (m *Memory) setLocked(mapKey, field string, value []byte) {
	hash, ok := m.hashes[mapKey]
	if !ok {
		hash = make(map[string][]byte)
		m.hashes[mapKey] = hash
	}
	hash[field] = append([]byte(nil), value...)
}

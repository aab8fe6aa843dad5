package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-process Store. It is used in tests and counts writes so
// callers can assert how often state was persisted.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	writes map[string]int
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		data:   make(map[string][]byte),
		writes: make(map[string]int),
	}
}

// GetRaw implements Store.
func (m *Memory) GetRaw(_ context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

// GetMany implements Store.
func (m *Memory) GetMany(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		if data, ok := m.data[key]; ok {
			out[key] = append(json.RawMessage(nil), data...)
		}
	}
	return out, nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, found, err := m.GetRaw(ctx, key)
	if err != nil || !found {
		return found, err
	}
	return true, decode(key, raw, dst)
}

// Set implements Store.
func (m *Memory) Set(ctx context.Context, key string, value any) error {
	return m.SetMany(ctx, map[string]any{key: value})
}

// SetMany implements Store.
func (m *Memory) SetMany(_ context.Context, entries map[string]any) error {
	encoded := make(map[string][]byte, len(entries))
	for key, value := range entries {
		data, err := encode(value)
		if err != nil {
			return err
		}
		encoded[key] = data
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, data := range encoded {
		m.data[key] = data
		m.writes[key]++
	}
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if _, ok := m.data[key]; ok {
			delete(m.data, key)
			m.writes[key]++
		}
	}
	return nil
}

// Writes returns how many times key was written or deleted.
func (m *Memory) Writes(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[key]
}

// SetRaw stores raw bytes without validation. Tests use it to seed legacy
// or corrupt documents.
func (m *Memory) SetRaw(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
}

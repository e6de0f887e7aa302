package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps records in process memory. Used by tests and by
// throwaway sessions that should not touch disk.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string][]byte
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	data, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBackend) Put(_ context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) Update(_ context.Context, key string, fn func([]byte) ([]byte, error)) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	var current []byte
	if data, ok := m.records[key]; ok {
		current = append([]byte(nil), data...)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	m.records[key] = append([]byte(nil), next...)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records, key)
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

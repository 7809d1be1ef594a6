package gateway

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned by Storage.Get for a missing key.
	ErrNotFound = errors.New("gateway: key not found")
	// ErrQuotaExceeded is returned when a store cannot hold a value.
	ErrQuotaExceeded = errors.New("gateway: storage quota exceeded")
)

// Storage is the session-scoped byte store behind a Cache. Close discards
// everything the store holds.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryStore keeps values in a map. A zero MaxBytes means unbounded.
type MemoryStore struct {
	MaxBytes int64

	mu    sync.Mutex
	items map[string][]byte
	total int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string][]byte{}}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = map[string][]byte{}
	}
	next := m.total - int64(len(m.items[key])) + int64(len(value))
	if m.MaxBytes > 0 && next > m.MaxBytes {
		return ErrQuotaExceeded
	}
	m.items[key] = bytes.Clone(value)
	m.total = next
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total -= int64(len(m.items[key]))
	delete(m.items, key)
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = map[string][]byte{}
	m.total = 0
	return nil
}

// Len reports the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

package contentstore

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no payload exists for a hash.
var ErrNotFound = errors.New("content not found")

// Backend stores raw payload bytes keyed by hex-encoded content hash. The
// persistent cache layers identity, dedup and reference counting on top;
// backends only move bytes, so local disk and object storage are swappable.
type Backend interface {
	Put(ctx context.Context, hash string, payload []byte) error
	Get(ctx context.Context, hash string) ([]byte, error)
	Delete(ctx context.Context, hash string) error
}

// MemoryBackend keeps payloads in process memory. Suitable for tests and
// single-node deployments with small working sets.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string][]byte)}
}

func (m *MemoryBackend) Put(_ context.Context, hash string, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.mu.Lock()
	m.objects[hash] = buf
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, hash string) ([]byte, error) {
	m.mu.RLock()
	payload, ok := m.objects[hash]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return buf, nil
}

func (m *MemoryBackend) Delete(_ context.Context, hash string) error {
	m.mu.Lock()
	delete(m.objects, hash)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored objects.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

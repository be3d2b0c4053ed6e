package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in memory. URL returns a memory:// pseudo URL.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memoryObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Put(_ context.Context, key string, body io.Reader, size int64, contentType string) error {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, body)
	if err != nil {
		return fmt.Errorf("read object body: %w", err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("object %s: read %d bytes, expected %d", key, n, size)
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: buf.Bytes(), contentType: contentType}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) URL(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", ErrNotFound
	}
	return fmt.Sprintf("memory://%s?ttl=%s", key, ttl), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the stored bytes.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

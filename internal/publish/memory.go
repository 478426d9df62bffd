package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryBackend keeps objects in memory. It is meant for tests and for
// running the service without cloud credentials.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte

	// UploadErr, when set, fails every upload.
	UploadErr error
	// URLErr, when set, fails every URL lookup.
	URLErr error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Upload(_ context.Context, key string, r io.Reader) error {
	if m.UploadErr != nil {
		return m.UploadErr
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = buf.Bytes()
	return nil
}

func (m *MemoryBackend) URL(_ context.Context, key string) (string, error) {
	if m.URLErr != nil {
		return "", m.URLErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.data[key]; !ok {
		return "", fmt.Errorf("object %q not found", key)
	}
	return "memory://localhost/" + key, nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Get returns a copy of the stored object.
func (m *MemoryBackend) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

package blob

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zeusync/shardtick/internal/core/storage"
)

var _ storage.BlobStore = (*Memory)(nil)

// Memory is a map-backed BlobStore for tests and single-process runs.
type Memory struct {
	mx    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrBlobNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	delete(m.blobs, key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	var out []string
	for key := range m.blobs {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

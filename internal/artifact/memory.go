package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/flexinfer/flowtest/pkg/types"
)

// MemoryBackend keeps artifacts in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string][]byte)}
}

func (m *MemoryBackend) Put(ctx context.Context, key string, data io.Reader, contentType string) (*types.ArtifactRef, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}

	m.mu.Lock()
	m.items[key] = content
	m.mu.Unlock()

	return &types.ArtifactRef{
		URI:         "memory://" + key,
		ContentType: contentType,
		Size:        int64(len(content)),
		Checksum:    Checksum(content),
	}, nil
}

func (m *MemoryBackend) Get(ctx context.Context, ref *types.ArtifactRef) (io.ReadCloser, error) {
	m.mu.RLock()
	content, ok := m.items[strings.TrimPrefix(ref.URI, "memory://")]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.URI)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, ref *types.ArtifactRef) error {
	m.mu.Lock()
	delete(m.items, strings.TrimPrefix(ref.URI, "memory://"))
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored artifacts.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Package transport holds the in-process Transport used by tests and by
// callers that don't need a real ledger backend.
package transport

import (
	"context"
	"fmt"
	"sync"

	"streams/internal/model"
)

// Memory is an in-process, map-backed ports.Transport. It is safe for
// concurrent use and never evicts, so it is meant for tests and local
// experimentation rather than production deployments (see
// transport/redistransport and transport/tangle for those).
type Memory struct {
	mu   sync.RWMutex
	blob map[[32]byte][]byte
}

// NewMemory returns an empty Memory transport.
func NewMemory() *Memory {
	return &Memory{blob: make(map[[32]byte][]byte)}
}

func (m *Memory) Put(_ context.Context, index [32]byte, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob[index] = append([]byte(nil), blob...)
	return nil
}

func (m *Memory) Get(_ context.Context, index [32]byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blob[index]
	if !ok {
		return nil, fmt.Errorf("%w: no blob at index %x", model.ErrTransport, index)
	}
	return append([]byte(nil), b...), nil
}

// GetMany returns a nil slot for any index with no stored blob, rather
// than failing the whole batch: sync's candidate addresses are mostly
// speculative, and a missing candidate isn't a transport error.
func (m *Memory) GetMany(_ context.Context, indices [][32]byte) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(indices))
	for i, idx := range indices {
		if b, ok := m.blob[idx]; ok {
			out[i] = append([]byte(nil), b...)
		}
	}
	return out, nil
}

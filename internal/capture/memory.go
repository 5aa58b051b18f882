package capture

import (
	"context"
	"sync"

	"github.com/matst80/fakevnc/internal/proto"
)

// MemoryStore keeps the newest captures in a fixed ring.
type MemoryStore struct {
	mu    sync.Mutex
	ring  []proto.Capture
	next  int
	full  bool
	stats Stats
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore keeps at most keep captures (minimum 1).
func NewMemoryStore(keep int) *MemoryStore {
	if keep < 1 {
		keep = 1
	}
	return &MemoryStore{ring: make([]proto.Capture, keep), stats: Stats{BySecType: map[string]int64{}}}
}

func (m *MemoryStore) Save(_ context.Context, c proto.Capture) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = c
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}
	m.stats.add(c)
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, n int) ([]proto.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size := m.next
	if m.full {
		size = len(m.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]proto.Capture, 0, n)
	for i := 1; i <= n; i++ {
		idx := (m.next - i + len(m.ring)) % len(m.ring)
		out = append(out, m.ring[idx])
	}
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.clone(), nil
}

func (m *MemoryStore) Close() error { return nil }

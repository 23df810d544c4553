package audit

import (
	"fmt"
	"sync"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
)

// MemoryStore is an ephemeral, in-process Store: entries are lost on
// restart and, if capHint > 0, the oldest entries are evicted once
// capacity is reached (the same bounded-ring pattern used by the
// isolation, netpolicy, and resource packages' own ring buffers).
// Indices are not stable across eviction — callers needing durable,
// stable indices should use BoltStore instead.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEnvelope
	cap     int
}

// NewMemoryStore constructs a MemoryStore. capHint <= 0 means
// unbounded.
func NewMemoryStore(capHint int) *MemoryStore {
	return &MemoryStore{cap: capHint}
}

func (s *MemoryStore) Append(entry domain.AuditEnvelope) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, entry)
	if s.cap > 0 && len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
	return len(s.entries) - 1, nil
}

func (s *MemoryStore) Length() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *MemoryStore) Get(i int) (domain.AuditEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < 0 || i >= len(s.entries) {
		return domain.AuditEnvelope{}, domain.NewError(domain.ErrKindNotFound,
			fmt.Sprintf("no audit event at index %d", i), nil)
	}
	return s.entries[i], nil
}

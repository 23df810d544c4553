// Package audit implements the audit bridge (C8): it validates and
// forwards hypervisor events into a pluggable append-only store, and
// serves filtered reads back out.
package audit

import "github.com/pipeops/hypervisor-control-plane/pkg/domain"

// Store is the append-only collaborator the bridge writes into.
// Implementations must be durable (BoltStore) or explicitly
// documented as ephemeral (MemoryStore).
type Store interface {
	// Append writes entry and returns its index.
	Append(entry domain.AuditEnvelope) (int, error)
	// Length reports the number of entries currently stored.
	Length() (int, error)
	// Get returns the entry at index i.
	Get(i int) (domain.AuditEnvelope, error)
}

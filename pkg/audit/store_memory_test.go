package audit

import (
	"testing"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
)

func TestMemoryStore_AppendGetLength(t *testing.T) {
	s := NewMemoryStore(0)

	idx, err := s.Append(domain.AuditEnvelope{Source: "hypervisor", VMID: "vm-1"})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if idx != 0 {
		t.Errorf("first index = %d, want 0", idx)
	}

	n, _ := s.Length()
	if n != 1 {
		t.Errorf("length = %d, want 1", n)
	}

	got, err := s.Get(0)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.VMID != "vm-1" {
		t.Errorf("vm_id = %q, want vm-1", got.VMID)
	}
}

func TestMemoryStore_GetOutOfRange(t *testing.T) {
	s := NewMemoryStore(0)
	if _, err := s.Get(0); err == nil {
		t.Fatal("expected an error for an empty store")
	}
}

func TestMemoryStore_BoundedEviction(t *testing.T) {
	s := NewMemoryStore(3)
	for i := 0; i < 5; i++ {
		s.Append(domain.AuditEnvelope{VMID: "vm-1"})
	}
	n, _ := s.Length()
	if n != 3 {
		t.Errorf("length = %d, want 3 (bounded)", n)
	}
}

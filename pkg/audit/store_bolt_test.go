package audit

import (
	"path/filepath"
	"testing"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
)

func TestBoltStore_AppendGetLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("opening bolt store failed: %v", err)
	}
	defer store.Close()

	for i := 0; i < 3; i++ {
		if _, err := store.Append(domain.AuditEnvelope{Source: "hypervisor", VMID: "vm-1"}); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	n, err := store.Length()
	if err != nil {
		t.Fatalf("length failed: %v", err)
	}
	if n != 3 {
		t.Errorf("length = %d, want 3", n)
	}

	for i := 0; i < 3; i++ {
		entry, err := store.Get(i)
		if err != nil {
			t.Fatalf("get(%d) failed: %v", i, err)
		}
		if entry.VMID != "vm-1" {
			t.Errorf("get(%d).vm_id = %q, want vm-1", i, entry.VMID)
		}
	}
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("opening bolt store failed: %v", err)
	}
	store.Append(domain.AuditEnvelope{VMID: "vm-1"})
	store.Close()

	reopened, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("reopening bolt store failed: %v", err)
	}
	defer reopened.Close()

	n, _ := reopened.Length()
	if n != 1 {
		t.Errorf("length after reopen = %d, want 1", n)
	}
}

func TestBoltStore_GetOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("opening bolt store failed: %v", err)
	}
	defer store.Close()

	if _, err := store.Get(0); err == nil {
		t.Fatal("expected an error for an empty store")
	}
}

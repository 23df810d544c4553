package registry

import (
	"testing"
	"time"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

func newTestRegistry() *Registry {
	return New(logrus.NewEntry(logrus.New()))
}

func TestRegister_FailsIfNameExists(t *testing.T) {
	r := newTestRegistry()
	dep := domain.AgentDeployment{AgentName: "agent-1", VMID: "vm-1"}

	if err := r.Register(dep); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.Register(dep); err == nil {
		t.Fatal("expected second register of the same name to fail")
	}
}

func TestUpsert_ReplacesExisting(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(domain.AgentDeployment{AgentName: "agent-1", VMID: "vm-1"})
	r.Upsert(domain.AgentDeployment{AgentName: "agent-1", VMID: "vm-2"})

	got, err := r.Get("agent-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.VMID != "vm-2" {
		t.Errorf("vm_id = %q, want vm-2 after upsert", got.VMID)
	}
}

func TestGet_UnknownAgentIsNotFound(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Get("nonexistent")
	if err == nil {
		t.Fatal("expected an error")
	}
	if kind, _ := domain.KindOf(err); kind != domain.ErrKindNotFound {
		t.Errorf("kind = %q, want not-found", kind)
	}
}

func TestUnregister_RemovesEntry(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(domain.AgentDeployment{AgentName: "agent-1", VMID: "vm-1", DeployedAt: time.Now()})
	r.Unregister("agent-1")

	if _, err := r.Get("agent-1"); err == nil {
		t.Fatal("expected agent-1 to be gone after unregister")
	}
}

func TestUnregister_UnknownAgentIsNoOp(t *testing.T) {
	r := newTestRegistry()
	r.Unregister("nonexistent")
}

func TestList_ReturnsAllEntries(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(domain.AgentDeployment{AgentName: "agent-1"})
	r.Upsert(domain.AgentDeployment{AgentName: "agent-2"})

	if len(r.List()) != 2 {
		t.Errorf("list length = %d, want 2", len(r.List()))
	}
}

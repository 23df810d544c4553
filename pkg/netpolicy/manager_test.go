package netpolicy

import (
	"testing"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

func newTestManager() *Manager {
	return New(domain.ActionDeny, 32, logrus.NewEntry(logrus.New()))
}

func TestEvaluate_S3Scenario(t *testing.T) {
	m := newTestManager()
	m.AddRule(domain.NetworkRule{
		VMID:       "vm-1",
		Direction:  domain.DirectionEgress,
		Action:     domain.ActionAllow,
		Protocol:   domain.ProtocolTCP,
		PortRange:  &domain.PortRange{Low: 80, High: 80},
		Priority:   10,
	})

	decision := m.Evaluate(domain.NetworkRequest{
		VMID: "vm-1", Direction: domain.DirectionEgress, Protocol: domain.ProtocolTCP,
		RemoteHost: "192.168.1.1", Port: 80,
	})
	if !decision.Allowed || decision.MatchedRule == "" {
		t.Fatalf("expected allowed with matched rule, got %+v", decision)
	}

	decision = m.Evaluate(domain.NetworkRequest{
		VMID: "vm-1", Direction: domain.DirectionEgress, Protocol: domain.ProtocolTCP,
		RemoteHost: "192.168.1.1", Port: 443,
	})
	if decision.Allowed || decision.MatchedRule != "" {
		t.Fatalf("expected denied with no matched rule, got %+v", decision)
	}
}

func TestEvaluate_PriorityOrdering(t *testing.T) {
	m := newTestManager()
	m.AddRule(domain.NetworkRule{VMID: "vm-2", Direction: domain.DirectionBoth, Action: domain.ActionDeny, Protocol: domain.ProtocolAny, Priority: 5})
	m.AddRule(domain.NetworkRule{VMID: "vm-2", Direction: domain.DirectionBoth, Action: domain.ActionAllow, Protocol: domain.ProtocolAny, Priority: 1})

	decision := m.Evaluate(domain.NetworkRequest{VMID: "vm-2", Direction: domain.DirectionEgress, Protocol: domain.ProtocolTCP, Port: 22})
	if !decision.Allowed {
		t.Fatalf("expected the priority-1 allow rule to win, got %+v", decision)
	}
}

func TestEvaluate_VMRulesBeforeGlobal(t *testing.T) {
	m := newTestManager()
	m.AddRule(domain.NetworkRule{VMID: domain.GlobalVMID, Direction: domain.DirectionBoth, Action: domain.ActionDeny, Protocol: domain.ProtocolAny, Priority: 1})
	m.AddRule(domain.NetworkRule{VMID: "vm-3", Direction: domain.DirectionBoth, Action: domain.ActionAllow, Protocol: domain.ProtocolAny, Priority: 100})

	decision := m.Evaluate(domain.NetworkRequest{VMID: "vm-3", Direction: domain.DirectionIngress, Protocol: domain.ProtocolUDP, Port: 53})
	if !decision.Allowed {
		t.Fatalf("expected the VM-specific rule to be checked before the global rule, got %+v", decision)
	}
}

func TestEvaluate_SuffixWildcardHost(t *testing.T) {
	m := newTestManager()
	m.AddRule(domain.NetworkRule{
		VMID: "vm-4", Direction: domain.DirectionEgress, Action: domain.ActionAllow,
		Protocol: domain.ProtocolTCP, RemoteHost: "*.example.com", Priority: 1,
	})

	decision := m.Evaluate(domain.NetworkRequest{
		VMID: "vm-4", Direction: domain.DirectionEgress, Protocol: domain.ProtocolTCP,
		RemoteHost: "api.example.com", Port: 443,
	})
	if !decision.Allowed {
		t.Errorf("expected suffix wildcard match to allow, got %+v", decision)
	}

	decision = m.Evaluate(domain.NetworkRequest{
		VMID: "vm-4", Direction: domain.DirectionEgress, Protocol: domain.ProtocolTCP,
		RemoteHost: "example.com.evil.net", Port: 443,
	})
	if decision.Allowed {
		t.Errorf("expected non-suffix match to fall through to default deny, got %+v", decision)
	}
}

func TestEvaluate_CIDRHost(t *testing.T) {
	m := newTestManager()
	m.AddRule(domain.NetworkRule{
		VMID: "vm-5", Direction: domain.DirectionEgress, Action: domain.ActionAllow,
		Protocol: domain.ProtocolAny, RemoteHost: "10.0.0.0/24", Priority: 1,
	})

	decision := m.Evaluate(domain.NetworkRequest{
		VMID: "vm-5", Direction: domain.DirectionEgress, Protocol: domain.ProtocolTCP,
		RemoteHost: "10.0.0.42", Port: 8080,
	})
	if !decision.Allowed {
		t.Errorf("expected CIDR match to allow, got %+v", decision)
	}

	decision = m.Evaluate(domain.NetworkRequest{
		VMID: "vm-5", Direction: domain.DirectionEgress, Protocol: domain.ProtocolTCP,
		RemoteHost: "10.0.1.42", Port: 8080,
	})
	if decision.Allowed {
		t.Errorf("expected address outside CIDR to fall through to default deny, got %+v", decision)
	}
}

func TestBlockAllAndAllowAll(t *testing.T) {
	m := newTestManager()
	m.BlockAll("vm-6")

	decision := m.Evaluate(domain.NetworkRequest{VMID: "vm-6", Direction: domain.DirectionEgress, Protocol: domain.ProtocolTCP, Port: 443})
	if decision.Allowed {
		t.Error("expected block_all to deny everything")
	}

	m2 := newTestManager()
	m2.AllowAll("vm-7")
	decision = m2.Evaluate(domain.NetworkRequest{VMID: "vm-7", Direction: domain.DirectionIngress, Protocol: domain.ProtocolUDP, Port: 53})
	if !decision.Allowed {
		t.Error("expected allow_all to allow everything")
	}
}

func TestEvaluationLogIsBounded(t *testing.T) {
	m := New(domain.ActionDeny, 2, logrus.NewEntry(logrus.New()))
	for i := 0; i < 5; i++ {
		m.Evaluate(domain.NetworkRequest{VMID: "vm-8", Direction: domain.DirectionEgress, Protocol: domain.ProtocolTCP, Port: 1})
	}
	if len(m.EvaluationLog()) != 2 {
		t.Errorf("expected evaluation log capped at 2, got %d", len(m.EvaluationLog()))
	}
}

func TestRemoveRule(t *testing.T) {
	m := newTestManager()
	rule := m.AddRule(domain.NetworkRule{VMID: "vm-9", Direction: domain.DirectionBoth, Action: domain.ActionAllow, Protocol: domain.ProtocolAny, Priority: 1})

	if !m.RemoveRule("vm-9", rule.RuleID) {
		t.Fatal("expected RemoveRule to report success")
	}
	if len(m.Rules("vm-9")) != 0 {
		t.Error("expected rule list to be empty after removal")
	}
}

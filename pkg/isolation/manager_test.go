package isolation

import (
	"context"
	"testing"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

func newTestManager() *Manager {
	return New("/sys/fs/cgroup/test", 8, logrus.NewEntry(logrus.New()))
}

func TestCreateContext_ProfilesPerLevel(t *testing.T) {
	m := newTestManager()

	ctx, err := m.CreateContext("vm-1", domain.IsolationVM)
	if err != nil {
		t.Fatalf("CreateContext failed: %v", err)
	}
	if !ctx.HasNamespace(domain.NamespaceUser) || !ctx.HasNamespace(domain.NamespaceCgroup) {
		t.Error("vm isolation level should enable user and cgroup namespaces")
	}
	if ctx.HasCapability(domain.CapKill) {
		t.Error("vm isolation level should not grant cap_kill")
	}
	if !ctx.HasCapability(domain.CapNetBindSvc) {
		t.Error("vm isolation level should grant cap_net_bind_service")
	}
}

func TestCreateContext_NoneIsHostEquivalent(t *testing.T) {
	m := newTestManager()
	ctx, err := m.CreateContext("vm-none", domain.IsolationNone)
	if err != nil {
		t.Fatalf("CreateContext failed: %v", err)
	}
	if !ctx.HasCapability(domain.CapSetuid) {
		t.Error("none isolation level should grant all capabilities via cap_all")
	}
}

func TestCreateContext_UltraHasNoCapabilities(t *testing.T) {
	m := newTestManager()
	ctx, err := m.CreateContext("vm-ultra", domain.IsolationUltra)
	if err != nil {
		t.Fatalf("CreateContext failed: %v", err)
	}
	if ctx.HasCapability(domain.CapNetBindSvc) {
		t.Error("ultra isolation level should grant no capabilities")
	}
	if !ctx.HasNamespace(domain.NamespaceUser) {
		t.Error("ultra isolation level should still enable the same namespaces as vm")
	}
}

func TestCreateContext_Idempotent(t *testing.T) {
	m := newTestManager()
	first, _ := m.CreateContext("vm-2", domain.IsolationProcess)
	second, err := m.CreateContext("vm-2", domain.IsolationUltra)
	if err != nil {
		t.Fatalf("CreateContext failed: %v", err)
	}
	if second.IsolationLevel != first.IsolationLevel {
		t.Errorf("expected idempotent create to return the original context, got level %s", second.IsolationLevel)
	}
}

func TestSuspendResumeContext(t *testing.T) {
	m := newTestManager()
	m.CreateContext("vm-3", domain.IsolationNamespace)

	if err := m.SuspendContext("vm-3"); err != nil {
		t.Fatalf("SuspendContext failed: %v", err)
	}
	ctx, _ := m.Context("vm-3")
	if ctx.State != domain.ContextSuspended {
		t.Errorf("state = %s, want suspended", ctx.State)
	}

	if err := m.SuspendContext("vm-3"); err == nil {
		t.Error("expected error suspending an already-suspended context")
	}

	if err := m.ResumeContext("vm-3"); err != nil {
		t.Fatalf("ResumeContext failed: %v", err)
	}
	ctx, _ = m.Context("vm-3")
	if ctx.State != domain.ContextActive {
		t.Errorf("state = %s, want active", ctx.State)
	}
}

func TestEnforceCapability_SuccessAndViolation(t *testing.T) {
	m := newTestManager()
	m.CreateContext("vm-4", domain.IsolationNamespace)

	if !m.EnforceCapability("vm-4", domain.CapNetBindSvc, "bind 80") {
		t.Error("expected enforce to succeed for a granted capability")
	}

	var gotEvent domain.CapabilityViolation
	unsubscribe := m.Subscribe(func(name string, args ...interface{}) {
		if name == "isolation-violation" {
			gotEvent = args[0].(domain.CapabilityViolation)
		}
	})
	defer unsubscribe()

	if m.EnforceCapability("vm-4", domain.CapSetuid, "escalate") {
		t.Error("expected enforce to fail for an ungranted capability")
	}

	if gotEvent.VMID != "vm-4" || gotEvent.Severity != domain.SeverityMedium {
		t.Errorf("unexpected violation event: %+v", gotEvent)
	}

	if len(m.Violations()) != 1 {
		t.Errorf("expected 1 recorded violation, got %d", len(m.Violations()))
	}
}

func TestEnforceCapability_SeverityByLevel(t *testing.T) {
	// IsolationNone grants cap_all, so enforcement can never fail there
	// and is excluded from this table.
	cases := []struct {
		level    domain.IsolationLevel
		severity domain.Severity
	}{
		{domain.IsolationProcess, domain.SeverityLow},
		{domain.IsolationNamespace, domain.SeverityMedium},
		{domain.IsolationVM, domain.SeverityHigh},
		{domain.IsolationUltra, domain.SeverityCritical},
	}

	for _, tc := range cases {
		m := newTestManager()
		vmID := "vm-" + string(tc.level)
		m.CreateContext(vmID, tc.level)
		m.EnforceCapability(vmID, domain.CapSetuid, "probe")
		violations := m.Violations()
		if len(violations) != 1 {
			t.Fatalf("level %s: expected 1 violation, got %d", tc.level, len(violations))
		}
		if violations[0].Severity != tc.severity {
			t.Errorf("level %s: severity = %s, want %s", tc.level, violations[0].Severity, tc.severity)
		}
	}
}

func TestViolationRingIsBounded(t *testing.T) {
	m := New("/sys/fs/cgroup/test", 2, logrus.NewEntry(logrus.New()))
	m.CreateContext("vm-5", domain.IsolationUltra)

	for i := 0; i < 5; i++ {
		m.EnforceCapability("vm-5", domain.CapSetuid, "probe")
	}

	if len(m.Violations()) != 2 {
		t.Errorf("expected violation ring capped at 2, got %d", len(m.Violations()))
	}
}

func TestDestroyContext(t *testing.T) {
	m := newTestManager()
	m.CreateContext("vm-6", domain.IsolationProcess)

	if err := m.DestroyContext("vm-6"); err != nil {
		t.Fatalf("DestroyContext failed: %v", err)
	}
	if _, ok := m.Context("vm-6"); ok {
		t.Error("expected context to be gone after destroy")
	}
	if err := m.DestroyContext("vm-6"); err != nil {
		t.Errorf("destroying an already-destroyed vm should be a no-op, got %v", err)
	}
}

func TestHasCapabilityUnknownVM(t *testing.T) {
	m := newTestManager()
	if m.HasCapability("does-not-exist", domain.CapAll) {
		t.Error("expected false for an unknown vm")
	}
	if m.HasNamespace("does-not-exist", domain.NamespacePID) {
		t.Error("expected false for an unknown vm")
	}
}

type fakeNetworkProvisioner struct {
	setupCalls    []string
	teardownCalls []string
}

func (f *fakeNetworkProvisioner) SetupNetNS(ctx context.Context, vmID string) (string, error) {
	f.setupCalls = append(f.setupCalls, vmID)
	return "/var/run/netns/" + vmID, nil
}

func (f *fakeNetworkProvisioner) TeardownNetNS(ctx context.Context, vmID string) error {
	f.teardownCalls = append(f.teardownCalls, vmID)
	return nil
}

func TestCreateContext_ProvisionsNetworkNamespaceWhenEnabled(t *testing.T) {
	m := newTestManager()
	net := &fakeNetworkProvisioner{}
	m.SetNetworkProvisioner(net)

	ctx, err := m.CreateContext("vm-net", domain.IsolationNamespace)
	if err != nil {
		t.Fatalf("CreateContext failed: %v", err)
	}
	if len(net.setupCalls) != 1 || net.setupCalls[0] != "vm-net" {
		t.Fatalf("expected SetupNetNS called once for vm-net, got %+v", net.setupCalls)
	}
	if ctx.NamespaceIDs[domain.NamespaceNet] != "/var/run/netns/vm-net" {
		t.Errorf("namespace id not recorded: %+v", ctx.NamespaceIDs)
	}

	if err := m.DestroyContext("vm-net"); err != nil {
		t.Fatalf("DestroyContext failed: %v", err)
	}
	if len(net.teardownCalls) != 1 || net.teardownCalls[0] != "vm-net" {
		t.Fatalf("expected TeardownNetNS called once for vm-net, got %+v", net.teardownCalls)
	}
}

func TestCreateContext_SkipsNetworkProvisioningWhenLevelHasNoNetNamespace(t *testing.T) {
	m := newTestManager()
	net := &fakeNetworkProvisioner{}
	m.SetNetworkProvisioner(net)

	if _, err := m.CreateContext("vm-none", domain.IsolationNone); err != nil {
		t.Fatalf("CreateContext failed: %v", err)
	}
	if len(net.setupCalls) != 0 {
		t.Errorf("expected no network provisioning for isolation level none, got %+v", net.setupCalls)
	}
}

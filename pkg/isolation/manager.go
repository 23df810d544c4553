// Package isolation creates and enforces per-VM namespace and
// capability contexts.
package isolation

import (
	"context"
	"sync"
	"time"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

// levelProfile is the fixed (namespace set, capability set) produced
// for an isolation level, per SPEC_FULL.md §4.4's table.
type levelProfile struct {
	namespaces   []domain.Namespace
	capabilities []domain.Capability
}

var profiles = map[domain.IsolationLevel]levelProfile{
	domain.IsolationNone: {
		namespaces: nil,
		capabilities: []domain.Capability{
			domain.CapAll,
		},
	},
	domain.IsolationProcess: {
		namespaces: []domain.Namespace{domain.NamespacePID},
		capabilities: []domain.Capability{
			domain.CapChown, domain.CapFownder, domain.CapNetBindSvc, domain.CapKill,
		},
	},
	domain.IsolationNamespace: {
		namespaces: []domain.Namespace{
			domain.NamespacePID, domain.NamespaceNet, domain.NamespaceIPC,
			domain.NamespaceMnt, domain.NamespaceUTS,
		},
		capabilities: []domain.Capability{domain.CapChown, domain.CapNetBindSvc},
	},
	domain.IsolationVM: {
		namespaces: []domain.Namespace{
			domain.NamespacePID, domain.NamespaceNet, domain.NamespaceIPC,
			domain.NamespaceMnt, domain.NamespaceUTS, domain.NamespaceUser, domain.NamespaceCgroup,
		},
		capabilities: []domain.Capability{domain.CapNetBindSvc},
	},
	domain.IsolationUltra: {
		namespaces: []domain.Namespace{
			domain.NamespacePID, domain.NamespaceNet, domain.NamespaceIPC,
			domain.NamespaceMnt, domain.NamespaceUTS, domain.NamespaceUser, domain.NamespaceCgroup,
		},
		capabilities: nil,
	},
}

// severityForLevel maps an isolation level to the severity recorded
// for a capability violation against a context at that level.
func severityForLevel(level domain.IsolationLevel) domain.Severity {
	switch level {
	case domain.IsolationUltra:
		return domain.SeverityCritical
	case domain.IsolationVM:
		return domain.SeverityHigh
	case domain.IsolationNamespace:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// Manager owns every isolation context, keyed by vm_id, and a bounded
// ring of capability violations. Grounded on the teacher's
// JailerManager (pkg/vm/jailer.go): a mutex-guarded map of per-VM
// records with create/destroy lifecycle methods and a *logrus.Entry
// component logger, generalized from chroot/cgroup/device setup to
// the spec's namespace/capability bookkeeping.
type Manager struct {
	mu       sync.RWMutex
	contexts map[string]*domain.IsolationContext
	cgroupRoot string

	violations    []domain.CapabilityViolation
	violationsCap int

	network NetworkProvisioner

	bus *domain.EventBus
	log *logrus.Entry
}

// New constructs a Manager. cgroupRoot is the host path under which
// per-VM cgroup directories are named (mirroring the teacher's
// ChrootBaseDir/CgroupParent convention); violationsCap bounds the
// in-memory violation ring. The network namespace provisioner
// defaults to a no-op; call SetNetworkProvisioner to wire CNIProvisioner
// or a test double.
func New(cgroupRoot string, violationsCap int, log *logrus.Entry) *Manager {
	return &Manager{
		contexts:      make(map[string]*domain.IsolationContext),
		cgroupRoot:    cgroupRoot,
		violationsCap: violationsCap,
		network:       noopNetworkProvisioner{},
		bus:           domain.NewEventBus(),
		log:           log.WithField("component", "isolation-manager"),
	}
}

// SetNetworkProvisioner replaces the manager's network namespace
// provisioner, used for isolation levels that enable the net
// namespace.
func (m *Manager) SetNetworkProvisioner(p NetworkProvisioner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.network = p
}

// Subscribe registers fn for isolation-violation notifications.
func (m *Manager) Subscribe(fn func(name string, args ...interface{})) (unsubscribe func()) {
	return m.bus.Subscribe(fn)
}

// CreateContext creates the isolation context for vmID at level,
// populating its namespace/capability sets from the fixed profile
// table. Idempotent: a second call with an existing context returns
// it unchanged regardless of the level argument.
func (m *Manager) CreateContext(vmID string, level domain.IsolationLevel) (*domain.IsolationContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.contexts[vmID]; ok {
		return existing, nil
	}

	profile, ok := profiles[level]
	if !ok {
		return nil, domain.NewError(domain.ErrKindValidationFailed, "unknown isolation level", nil)
	}

	ctx := &domain.IsolationContext{
		VMID:           vmID,
		IsolationLevel: level,
		Namespaces:     make(map[domain.Namespace]bool, len(profile.namespaces)),
		Capabilities:   make(map[domain.Capability]bool, len(profile.capabilities)),
		NamespaceIDs:   make(map[domain.Namespace]string),
		CgroupPath:     m.cgroupRoot + "/" + vmID,
		CreatedAt:      time.Now(),
		State:          domain.ContextActive,
	}
	for _, ns := range profile.namespaces {
		ctx.Namespaces[ns] = true
		ctx.NamespaceIDs[ns] = vmID + "-" + string(ns)
	}
	for _, cap := range profile.capabilities {
		ctx.Capabilities[cap] = true
	}

	if ctx.Namespaces[domain.NamespaceNet] {
		netnsPath, err := m.network.SetupNetNS(context.Background(), vmID)
		if err != nil {
			return nil, domain.NewError(domain.ErrKindValidationFailed, "provisioning network namespace", err)
		}
		if netnsPath != "" {
			ctx.NamespaceIDs[domain.NamespaceNet] = netnsPath
		}
	}

	m.contexts[vmID] = ctx
	m.log.WithFields(logrus.Fields{"vm_id": vmID, "level": level}).Info("Created isolation context")
	return ctx, nil
}

// DestroyContext removes the context for vmID, if any.
func (m *Manager) DestroyContext(vmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.contexts[vmID]
	if !ok {
		return nil
	}
	if ctx.Namespaces[domain.NamespaceNet] {
		if err := m.network.TeardownNetNS(context.Background(), vmID); err != nil {
			m.log.WithError(err).WithField("vm_id", vmID).Warn("Network namespace teardown failed")
		}
	}
	ctx.State = domain.ContextDestroyed
	delete(m.contexts, vmID)
	m.log.WithField("vm_id", vmID).Info("Destroyed isolation context")
	return nil
}

// SuspendContext moves an active context to suspended.
func (m *Manager) SuspendContext(vmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.contexts[vmID]
	if !ok {
		return domain.NewError(domain.ErrKindNotFound, "no isolation context for vm", nil)
	}
	if ctx.State != domain.ContextActive {
		return domain.NewError(domain.ErrKindInvalidState, "context is not active", nil)
	}
	ctx.State = domain.ContextSuspended
	return nil
}

// ResumeContext moves a suspended context back to active.
func (m *Manager) ResumeContext(vmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.contexts[vmID]
	if !ok {
		return domain.NewError(domain.ErrKindNotFound, "no isolation context for vm", nil)
	}
	if ctx.State != domain.ContextSuspended {
		return domain.NewError(domain.ErrKindInvalidState, "context is not suspended", nil)
	}
	ctx.State = domain.ContextActive
	return nil
}

// HasCapability reports whether vmID's context grants cap. Returns
// false for an unknown vmID rather than erroring, matching the
// teacher's lenient lookup style in pkg/agent/client.go.
func (m *Manager) HasCapability(vmID string, cap domain.Capability) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.contexts[vmID]
	if !ok {
		return false
	}
	return ctx.HasCapability(cap)
}

// HasNamespace reports whether vmID's context enables ns.
func (m *Manager) HasNamespace(vmID string, ns domain.Namespace) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.contexts[vmID]
	if !ok {
		return false
	}
	return ctx.HasNamespace(ns)
}

// EnforceCapability returns true when vmID's context is active and
// grants cap. Otherwise it records a violation with severity derived
// from the context's isolation level, appends it to the bounded ring,
// and emits "isolation-violation" to subscribers.
func (m *Manager) EnforceCapability(vmID string, cap domain.Capability, reason string) bool {
	m.mu.Lock()
	ctx, ok := m.contexts[vmID]
	allowed := ok && ctx.State == domain.ContextActive && ctx.HasCapability(cap)

	if allowed {
		m.mu.Unlock()
		return true
	}

	level := domain.IsolationNone
	if ok {
		level = ctx.IsolationLevel
	}
	violation := domain.CapabilityViolation{
		VMID:       vmID,
		Capability: cap,
		Reason:     reason,
		Timestamp:  time.Now(),
		Severity:   severityForLevel(level),
	}
	m.violations = append(m.violations, violation)
	if m.violationsCap > 0 && len(m.violations) > m.violationsCap {
		m.violations = m.violations[len(m.violations)-m.violationsCap:]
	}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"vm_id":      vmID,
		"capability": cap,
		"severity":   violation.Severity,
	}).Warn("Capability violation")
	m.bus.Emit("isolation-violation", violation)

	return false
}

// Violations returns a copy of the current violation ring, oldest
// first.
func (m *Manager) Violations() []domain.CapabilityViolation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.CapabilityViolation, len(m.violations))
	copy(out, m.violations)
	return out
}

// Context returns a deep copy of vmID's context, if any, so a caller
// holding the result cannot mutate the manager's own state.
func (m *Manager) Context(vmID string) (domain.IsolationContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.contexts[vmID]
	if !ok {
		return domain.IsolationContext{}, false
	}

	clone := *ctx
	clone.Namespaces = make(map[domain.Namespace]bool, len(ctx.Namespaces))
	for k, v := range ctx.Namespaces {
		clone.Namespaces[k] = v
	}
	clone.Capabilities = make(map[domain.Capability]bool, len(ctx.Capabilities))
	for k, v := range ctx.Capabilities {
		clone.Capabilities[k] = v
	}
	clone.NamespaceIDs = make(map[domain.Namespace]string, len(ctx.NamespaceIDs))
	for k, v := range ctx.NamespaceIDs {
		clone.NamespaceIDs[k] = v
	}
	return clone, true
}

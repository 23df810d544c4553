// Package sandbox implements the VM lifecycle state machine: the
// sandbox manager spawns, pauses, resumes, terminates, and dispatches
// tasks into VMs, and evaluates per-agent operation policies.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Config configures a Manager.
type Config struct {
	MaxConcurrentVMs int
	Driver           BootDriver
	Executor         TaskExecutor
}

// DefaultConfig returns a dependency-free configuration suitable for
// single-process tests: a simulated driver and executor with room
// for 32 concurrently running VMs.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentVMs: 32,
		Driver:           SimulatedDriver{},
		Executor:         SimulatedExecutor{},
	}
}

// record pairs a VM's instance state with whether this manager still
// holds a runningSem permit for it, so Terminate releases the
// semaphore exactly once per spawn even if called concurrently or
// after a failed boot already released it.
type record struct {
	instance *domain.VMInstance
	semHeld  bool
}

// Manager is the sandbox manager (C7): the VM table and state
// machine. Grounded on the teacher's Manager (pkg/vm/manager.go) for
// shape (mutex-guarded map, *logrus.Entry, generateID-style unique
// IDs) and its Pool (pkg/vm/pool.go) for the
// golang.org/x/sync/semaphore.Weighted concurrency-gating pattern,
// here reused to cap concurrently running VMs rather than concurrent
// warming.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*record
	policies  map[string]domain.SandboxPolicy

	maxConcurrent int
	runningSem    *semaphore.Weighted

	driver   BootDriver
	executor TaskExecutor

	bus       *domain.EventBus
	log       *logrus.Entry
	readyOnce sync.Once
}

// New constructs a Manager. Driver and Executor default to simulated
// implementations if left nil in cfg.
func New(cfg Config, log *logrus.Entry) *Manager {
	driver := cfg.Driver
	if driver == nil {
		driver = SimulatedDriver{}
	}
	executor := cfg.Executor
	if executor == nil {
		executor = SimulatedExecutor{}
	}
	max := cfg.MaxConcurrentVMs
	if max <= 0 {
		max = 32
	}

	return &Manager{
		instances:     make(map[string]*record),
		policies:      make(map[string]domain.SandboxPolicy),
		maxConcurrent: max,
		runningSem:    semaphore.NewWeighted(int64(max)),
		driver:        driver,
		executor:      executor,
		bus:           domain.NewEventBus(),
		log:           log.WithField("component", "sandbox-manager"),
	}
}

// Subscribe registers fn for the manager's event stream: ready,
// vm-spawned, vm-terminated, vm-state-change, task-executed,
// policy-evaluated, security-violation, error. The manager emits no
// health-warning event.
func (m *Manager) Subscribe(fn func(name string, args ...interface{})) (unsubscribe func()) {
	return m.bus.Subscribe(fn)
}

// Start signals that the manager is ready to accept spawn calls.
// Emits "ready" exactly once, even if called more than once.
func (m *Manager) Start() {
	m.readyOnce.Do(func() {
		m.log.Info("Sandbox manager ready")
		m.bus.Emit("ready")
	})
}

// Spawn validates spec, reserves a capacity slot, boots the VM via
// the configured driver, and returns the new vm_id. Fails with
// capacity-exceeded if max_concurrent_vms slots are already held. A
// slot is held from spawn until Terminate or a failed boot, so paused
// and still-creating VMs count against the limit, not only running
// ones.
func (m *Manager) Spawn(ctx context.Context, spec domain.VMSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	if !m.runningSem.TryAcquire(1) {
		return "", domain.NewError(domain.ErrKindCapacityExceeded,
			fmt.Sprintf("max_concurrent_vms (%d) reached", m.maxConcurrent), nil)
	}

	vmID := fmt.Sprintf("vm-%s", uuid.NewString())
	instance := &domain.VMInstance{
		VMID:      vmID,
		Spec:      spec,
		State:     domain.VMStateCreating,
		CreatedAt: time.Now(),
		Resources: spec.Resources,
	}

	m.mu.Lock()
	m.instances[vmID] = &record{instance: instance, semHeld: true}
	m.mu.Unlock()

	m.log.WithField("vm_id", vmID).Info("Spawning VM")

	if err := m.driver.Boot(ctx, vmID, spec); err != nil {
		m.releaseSem(vmID)
		m.mu.Lock()
		instance.State = domain.VMStateError
		instance.ErrorMessage = err.Error()
		m.mu.Unlock()
		m.bus.Emit("error", err, vmID)
		return "", domain.NewError(domain.ErrKindValidationFailed, "boot failed", err)
	}

	if err := m.transition(vmID, domain.VMStateRunning); err != nil {
		m.releaseSem(vmID)
		return "", err
	}

	m.mu.Lock()
	now := time.Now()
	instance.StartedAt = &now
	snapshot := instance.Clone()
	m.mu.Unlock()

	m.bus.Emit("vm-spawned", snapshot)
	return vmID, nil
}

// releaseSem releases this vmID's runningSem permit exactly once,
// no-op if it was already released or never held.
func (m *Manager) releaseSem(vmID string) {
	m.mu.Lock()
	rec, ok := m.instances[vmID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.releaseSemLocked(rec)
	m.mu.Unlock()
}

// releaseSemLocked releases rec's runningSem permit exactly once; the
// caller must hold m.mu.
func (m *Manager) releaseSemLocked(rec *record) {
	if !rec.semHeld {
		return
	}
	rec.semHeld = false
	m.runningSem.Release(1)
}

// transition moves vmID from its current state to next, validating
// the move against domain.ValidTransition, and emits
// vm-state-change(vm_id, prev, next) before returning.
func (m *Manager) transition(vmID string, next domain.VMState) error {
	m.mu.Lock()
	rec, ok := m.instances[vmID]
	if !ok {
		m.mu.Unlock()
		return domain.NewError(domain.ErrKindNotFound, fmt.Sprintf("vm %q not found", vmID), nil)
	}
	instance := rec.instance
	prev := instance.State
	if !domain.ValidTransition(prev, next) {
		m.mu.Unlock()
		return domain.NewError(domain.ErrKindInvalidState,
			fmt.Sprintf("cannot transition vm %q from %s to %s", vmID, prev, next), nil)
	}
	instance.State = next
	if next == domain.VMStateStopped {
		stopped := time.Now()
		instance.StoppedAt = &stopped
	}
	m.mu.Unlock()

	m.bus.Emit("vm-state-change", vmID, prev, next)
	return nil
}

// Terminate stops and destroys vmID, idempotent against concurrent
// callers: only the call that actually performs the destroyed
// transition emits vm-terminated.
func (m *Manager) Terminate(ctx context.Context, vmID string) error {
	m.mu.RLock()
	rec, ok := m.instances[vmID]
	var state domain.VMState
	if ok {
		state = rec.instance.State
	}
	m.mu.RUnlock()
	if !ok {
		return domain.NewError(domain.ErrKindNotFound, fmt.Sprintf("vm %q not found", vmID), nil)
	}

	if state == domain.VMStateRunning || state == domain.VMStatePaused || state == domain.VMStateCreating {
		if err := m.transition(vmID, domain.VMStateStopped); err != nil {
			if kind, ok := domain.KindOf(err); !ok || kind != domain.ErrKindInvalidState {
				return err
			}
		}
	}

	if err := m.driver.Terminate(ctx, vmID); err != nil {
		m.log.WithError(err).WithField("vm_id", vmID).Warn("Driver termination reported an error, destroying record anyway")
	}

	if err := m.transition(vmID, domain.VMStateDestroyed); err != nil {
		if kind, ok := domain.KindOf(err); !ok || kind != domain.ErrKindInvalidState {
			return err
		}
	}

	m.mu.Lock()
	rec, ok = m.instances[vmID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.instances, vmID)
	m.releaseSemLocked(rec)
	m.mu.Unlock()

	m.log.WithField("vm_id", vmID).Info("Terminated VM")
	m.bus.Emit("vm-terminated", vmID, domain.VMStateDestroyed)
	return nil
}

// Pause moves a running VM to paused.
func (m *Manager) Pause(vmID string) error {
	return m.transition(vmID, domain.VMStatePaused)
}

// Resume moves a paused VM back to running.
func (m *Manager) Resume(vmID string) error {
	return m.transition(vmID, domain.VMStateRunning)
}

// GetStatus returns a snapshot of vmID's instance record.
func (m *Manager) GetStatus(vmID string) (*domain.VMInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.instances[vmID]
	if !ok {
		return nil, domain.NewError(domain.ErrKindNotFound, fmt.Sprintf("vm %q not found", vmID), nil)
	}
	return rec.instance.Clone(), nil
}

// List returns a snapshot of every instance currently tracked.
func (m *Manager) List() []*domain.VMInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.VMInstance, 0, len(m.instances))
	for _, rec := range m.instances {
		out = append(out, rec.instance.Clone())
	}
	return out
}

// ExecuteTask dispatches payload into vmID via the configured
// TaskExecutor. Fails if the VM is not running.
func (m *Manager) ExecuteTask(ctx context.Context, vmID string, payload domain.TaskPayload) (domain.TaskResult, error) {
	m.mu.RLock()
	rec, ok := m.instances[vmID]
	var state domain.VMState
	if ok {
		state = rec.instance.State
	}
	m.mu.RUnlock()
	if !ok {
		return domain.TaskResult{}, domain.NewError(domain.ErrKindNotFound, fmt.Sprintf("vm %q not found", vmID), nil)
	}
	if state != domain.VMStateRunning {
		return domain.TaskResult{}, domain.NewError(domain.ErrKindInvalidState,
			fmt.Sprintf("vm %q is %s, not running", vmID, state), nil)
	}

	start := time.Now()
	result, err := m.executor.Execute(ctx, vmID, payload)
	result.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		m.bus.Emit("error", err, vmID)
		return domain.TaskResult{}, domain.NewError(domain.ErrKindTransport, "task execution failed", err)
	}

	m.bus.Emit("task-executed", vmID, result)
	return result, nil
}

// VerifyCleanup reports whether vmID's record has been fully removed
// from the VM table after termination.
func (m *Manager) VerifyCleanup(vmID string) domain.CleanupReport {
	m.mu.RLock()
	_, stillPresent := m.instances[vmID]
	m.mu.RUnlock()

	return domain.CleanupReport{
		VMID:              vmID,
		Cleaned:           !stillPresent,
		ResidualProcesses: 0,
		VerifiedAt:        time.Now(),
	}
}

// RegisterPolicy stores policy keyed by its agent_id, replacing any
// existing registration for that agent.
func (m *Manager) RegisterPolicy(policy domain.SandboxPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[policy.AgentID] = policy
}

// EvaluatePolicy evaluates operation against agentID's registered
// policy per SPEC_FULL.md §4.8, and emits a policy-evaluated event
// carrying the decision for the audit bridge to translate into an
// audit event.
func (m *Manager) EvaluatePolicy(agentID, operation string) domain.PolicyDecision {
	m.mu.RLock()
	policy, ok := m.policies[agentID]
	m.mu.RUnlock()

	decision := evaluatePolicy(policy, ok, operation)
	m.bus.Emit("policy-evaluated", agentID, operation, decision)
	if !decision.Allowed {
		m.bus.Emit("security-violation", "", decision.Reason)
	}
	return decision
}

func evaluatePolicy(policy domain.SandboxPolicy, registered bool, operation string) domain.PolicyDecision {
	if !registered {
		return domain.PolicyDecision{Allowed: false, Reason: "no policy — default deny"}
	}
	for _, blocked := range policy.BlockedOperations {
		if blocked == operation {
			return domain.PolicyDecision{Allowed: false, Reason: fmt.Sprintf("operation %q is blocked", operation)}
		}
	}
	for _, allowed := range policy.AllowedOperations {
		if allowed == operation {
			return domain.PolicyDecision{Allowed: true}
		}
	}
	return domain.PolicyDecision{Allowed: false, Reason: fmt.Sprintf("operation %q is not in allowed_operations", operation)}
}

// Close best-effort terminates every remaining VM, swallowing
// per-VM errors so peers still shut down.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	vmIDs := make([]string, 0, len(m.instances))
	for id := range m.instances {
		vmIDs = append(vmIDs, id)
	}
	m.mu.RUnlock()

	for _, id := range vmIDs {
		if err := m.Terminate(ctx, id); err != nil {
			m.log.WithError(err).WithField("vm_id", id).Warn("Error terminating VM during close")
		}
	}

	if closer, ok := m.executor.(interface{ Close() }); ok {
		closer.Close()
	}
	return nil
}

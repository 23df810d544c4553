// Package domain defines the canonical data contracts of the hypervisor
// control plane: VM specs and instances, isolation contexts, network
// rules, resource snapshots/thresholds, sandbox policies, audit events,
// and the trusted manifest used by the image verifier.
package domain

import (
	"fmt"
	"time"
)

// =============================================================================
// Enums
// =============================================================================

// Provider identifies the kind of sandbox backing a VM spec.
type Provider string

const (
	ProviderMicroVM   Provider = "microvm"
	ProviderEmulator  Provider = "emulator"
	ProviderContainer Provider = "container"
)

// IsolationLevel is one of five increasing isolation tiers. The
// namespace and capability sets it produces are fixed by the table in
// pkg/isolation.
type IsolationLevel string

const (
	IsolationNone      IsolationLevel = "none"
	IsolationProcess   IsolationLevel = "process"
	IsolationNamespace IsolationLevel = "namespace"
	IsolationVM        IsolationLevel = "vm"
	IsolationUltra     IsolationLevel = "ultra"
)

// VMState is the lifecycle state of a VM instance.
type VMState string

const (
	VMStateCreating  VMState = "creating"
	VMStateRunning   VMState = "running"
	VMStatePaused    VMState = "paused"
	VMStateStopped   VMState = "stopped"
	VMStateDestroyed VMState = "destroyed"
	VMStateError     VMState = "error"
)

// Namespace is a Linux-style namespace kind that can be enabled for an
// isolation context.
type Namespace string

const (
	NamespacePID    Namespace = "pid"
	NamespaceNet    Namespace = "net"
	NamespaceIPC    Namespace = "ipc"
	NamespaceMnt    Namespace = "mnt"
	NamespaceUTS    Namespace = "uts"
	NamespaceUser   Namespace = "user"
	NamespaceCgroup Namespace = "cgroup"
)

// Capability is a Linux-style capability token granted to an
// isolation context.
type Capability string

const (
	CapAll         Capability = "cap_all"
	CapChown       Capability = "cap_chown"
	CapFownder     Capability = "cap_fowner"
	CapNetBindSvc  Capability = "cap_net_bind_service"
	CapKill        Capability = "cap_kill"
	CapSetuid      Capability = "cap_setuid"
	CapSetgid      Capability = "cap_setgid"
	CapDacOverride Capability = "cap_dac_override"
)

// ContextState is the lifecycle state of an isolation context.
type ContextState string

const (
	ContextActive    ContextState = "active"
	ContextSuspended ContextState = "suspended"
	ContextDestroyed ContextState = "destroyed"
)

// Direction is the traffic direction a network rule applies to.
type Direction string

const (
	DirectionEgress  Direction = "egress"
	DirectionIngress Direction = "ingress"
	DirectionBoth    Direction = "both"
)

// RuleAction is the effect of a matching network rule.
type RuleAction string

const (
	ActionAllow RuleAction = "allow"
	ActionDeny  RuleAction = "deny"
)

// Protocol is the transport protocol a network rule applies to.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
	ProtocolAny  Protocol = "any"
)

// Severity grades an alert, violation, or audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	// SeverityLow/Medium/High grade isolation violations, whose
	// severity is derived from isolation level rather than a ratio.
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
	SeverityError  Severity = "error"
	SeverityWarn   Severity = "warn"
)

// EventType is the closed enum of audit event kinds.
type EventType string

const (
	EventVMSpawned         EventType = "vm-spawned"
	EventVMTerminated      EventType = "vm-terminated"
	EventVMStateChange     EventType = "vm-state-change"
	EventTaskExecuted      EventType = "task-executed"
	EventPolicyEvaluated   EventType = "policy-evaluated"
	EventSecurityViolation EventType = "security-violation"
	EventImageVerified     EventType = "image-verified"
	EventHealthWarning     EventType = "health-warning"
	EventError             EventType = "error"
)

// =============================================================================
// VM Spec & Instance
// =============================================================================

// Drive describes a block device attached to a VM.
type Drive struct {
	ID         string `json:"id" toml:"id"`
	PathOnHost string `json:"path_on_host" toml:"path_on_host"`
	IsRoot     bool   `json:"is_root" toml:"is_root"`
	IsReadOnly bool   `json:"is_read_only" toml:"is_read_only"`
}

// Resources holds the resource allocation for a VM spec.
type Resources struct {
	CPUMillicores int64 `json:"cpu_millicores" toml:"cpu_millicores"`
	MemoryMB      int64 `json:"memory_mb" toml:"memory_mb"`
	DiskMB        int64 `json:"disk_mb" toml:"disk_mb"`
	NetworkKbps   int64 `json:"network_kbps" toml:"network_kbps"`
	MaxProcesses  int64 `json:"max_processes" toml:"max_processes"`
}

// VMSpec is the declarative creation request for a VM.
type VMSpec struct {
	Name           string            `json:"name" toml:"name"`
	Provider       Provider          `json:"provider" toml:"provider"`
	Image          string            `json:"image" toml:"image"`
	KernelImage    string            `json:"kernel_image,omitempty" toml:"kernel_image,omitempty"`
	IsolationLevel IsolationLevel    `json:"isolation_level" toml:"isolation_level"`
	Resources      Resources         `json:"resources" toml:"resources"`
	Drives         []Drive           `json:"drives,omitempty" toml:"drives,omitempty"`
	NetworkEnabled bool              `json:"network_enabled" toml:"network_enabled"`
	AgentID        string            `json:"agent_id,omitempty" toml:"agent_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty" toml:"metadata,omitempty"`
	BootTimeoutMs  int64             `json:"boot_timeout_ms" toml:"boot_timeout_ms"`
}

// Validate checks the invariants from SPEC_FULL.md §3 that are
// independent of host capacity: non-empty name/image, strictly
// positive resources, and at most one root drive.
func (s *VMSpec) Validate() error {
	if s.Name == "" {
		return NewError(ErrKindValidationFailed, "name is required", nil)
	}
	if s.Image == "" {
		return NewError(ErrKindValidationFailed, "image is required", nil)
	}
	if s.Resources.CPUMillicores <= 0 {
		return NewError(ErrKindValidationFailed, "resources.cpu_millicores must be positive", nil)
	}
	if s.Resources.MemoryMB <= 0 {
		return NewError(ErrKindValidationFailed, "resources.memory_mb must be positive", nil)
	}
	if s.Resources.DiskMB <= 0 {
		return NewError(ErrKindValidationFailed, "resources.disk_mb must be positive", nil)
	}
	if s.Resources.NetworkKbps <= 0 {
		return NewError(ErrKindValidationFailed, "resources.network_kbps must be positive", nil)
	}
	if s.Resources.MaxProcesses <= 0 {
		return NewError(ErrKindValidationFailed, "resources.max_processes must be positive", nil)
	}

	rootCount := 0
	for _, d := range s.Drives {
		if d.IsRoot {
			rootCount++
		}
	}
	if rootCount > 1 {
		return NewError(ErrKindValidationFailed, "at most one drive may be marked root", nil)
	}

	return nil
}

// VMInstance is the runtime record for a spawned VM.
type VMInstance struct {
	VMID         string
	Spec         VMSpec
	State        VMState
	CreatedAt    time.Time
	StartedAt    *time.Time
	StoppedAt    *time.Time
	Resources    Resources
	ErrorMessage string
}

// Clone returns a copy of the instance safe to hand to callers of
// get_status/list without exposing the manager's internal record.
func (i *VMInstance) Clone() *VMInstance {
	clone := *i
	if i.StartedAt != nil {
		t := *i.StartedAt
		clone.StartedAt = &t
	}
	if i.StoppedAt != nil {
		t := *i.StoppedAt
		clone.StoppedAt = &t
	}
	if i.Spec.Metadata != nil {
		clone.Spec.Metadata = make(map[string]string, len(i.Spec.Metadata))
		for k, v := range i.Spec.Metadata {
			clone.Spec.Metadata[k] = v
		}
	}
	if i.Spec.Drives != nil {
		clone.Spec.Drives = append([]Drive(nil), i.Spec.Drives...)
	}
	return &clone
}

// ValidTransition reports whether moving from `from` to `to` is legal
// per the state machine in SPEC_FULL.md §4.3.
func ValidTransition(from, to VMState) bool {
	if to == VMStateError {
		return from != VMStateDestroyed && from != VMStateError
	}
	switch from {
	case VMStateCreating:
		return to == VMStateRunning || to == VMStateStopped
	case VMStateRunning:
		return to == VMStatePaused || to == VMStateStopped
	case VMStatePaused:
		return to == VMStateRunning || to == VMStateStopped
	case VMStateStopped:
		return to == VMStateDestroyed
	default:
		return false
	}
}

// =============================================================================
// Isolation Context
// =============================================================================

// IsolationContext is the per-VM record owned exclusively by the
// isolation manager.
type IsolationContext struct {
	VMID           string
	IsolationLevel IsolationLevel
	Namespaces     map[Namespace]bool
	Capabilities   map[Capability]bool
	CgroupPath     string
	NamespaceIDs   map[Namespace]string
	CreatedAt      time.Time
	State          ContextState
}

// HasNamespace reports whether ns is enabled.
func (c *IsolationContext) HasNamespace(ns Namespace) bool {
	return c.Namespaces[ns]
}

// HasCapability reports whether cap is granted.
func (c *IsolationContext) HasCapability(cap Capability) bool {
	if c.Capabilities[CapAll] {
		return true
	}
	return c.Capabilities[cap]
}

// CapabilityViolation records a failed enforce_capability check.
type CapabilityViolation struct {
	VMID       string
	Capability Capability
	Reason     string
	Timestamp  time.Time
	Severity   Severity
}

// =============================================================================
// Network Policy
// =============================================================================

// PortRange is an inclusive [Low, High] port range.
type PortRange struct {
	Low  int
	High int
}

// Contains reports whether port falls within the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Low && port <= r.High
}

// GlobalVMID is the wildcard VM identifier used for rules that apply
// to every VM.
const GlobalVMID = "*"

// NetworkRule is a single allow/deny rule for a VM's (or every VM's)
// traffic.
type NetworkRule struct {
	RuleID     string
	VMID       string
	Direction  Direction
	Action     RuleAction
	Protocol   Protocol
	RemoteHost string
	PortRange  *PortRange
	Priority   int
	CreatedAt  time.Time
}

// NetworkRequest describes a single traffic evaluation request.
type NetworkRequest struct {
	VMID       string
	Direction  Direction
	Protocol   Protocol
	RemoteHost string
	Port       int
}

// NetworkDecision is the result of evaluating a NetworkRequest against
// a rule set.
type NetworkDecision struct {
	Allowed     bool
	MatchedRule string
	Reason      string
	EvaluatedAt time.Time
}

// =============================================================================
// Resource Monitor
// =============================================================================

// ResourceSnapshot is a single telemetry sample for a VM.
type ResourceSnapshot struct {
	VMID          string
	Timestamp     time.Time
	CPUMillicores int64
	MemoryMB      int64
	DiskMB        int64
	NetworkRxKbps int64
	NetworkTxKbps int64
}

// ResourceThreshold configures positive limits for any subset of a
// snapshot's dimensions.
type ResourceThreshold struct {
	VMID          string
	CPUMillicores int64
	MemoryMB      int64
	DiskMB        int64
	NetworkRxKbps int64
	NetworkTxKbps int64
}

// ResourceDimension names a single dimension of a snapshot/threshold.
type ResourceDimension string

const (
	DimensionCPU       ResourceDimension = "cpu_millicores"
	DimensionMemory    ResourceDimension = "memory_mb"
	DimensionDisk      ResourceDimension = "disk_mb"
	DimensionNetworkRx ResourceDimension = "network_rx_kbps"
	DimensionNetworkTx ResourceDimension = "network_tx_kbps"
)

// ResourceAlert is emitted when a snapshot crosses a warning or
// critical threshold ratio.
type ResourceAlert struct {
	VMID         string
	Resource     ResourceDimension
	CurrentValue int64
	Threshold    int64
	PercentUsed  int
	Timestamp    time.Time
	Severity     Severity
}

// ResourceUsage summarizes the samples stored for one VM.
type ResourceUsage struct {
	Latest        ResourceSnapshot
	Avg           ResourceSnapshot
	Peak          ResourceSnapshot
	SnapshotCount int
}

// =============================================================================
// Sandbox Policy
// =============================================================================

// SandboxPolicy is the per-agent policy registered with the sandbox
// manager's policy evaluator.
type SandboxPolicy struct {
	AgentID           string
	AllowedOperations []string
	BlockedOperations []string
	NetworkAllowed    bool
	FilesystemAllowed bool
	MemoryCeilingMB   int64
	RequiredIsolation IsolationLevel
}

// PolicyDecision is the result of evaluating an operation against a
// registered policy.
type PolicyDecision struct {
	Allowed bool
	Reason  string
}

// CleanupReport is returned by verify_cleanup after a VM has been
// terminated.
type CleanupReport struct {
	VMID              string
	Cleaned           bool
	ResidualFiles     []string
	ResidualProcesses int
	VerifiedAt        time.Time
}

// =============================================================================
// Audit Event
// =============================================================================

// AuditEvent is a single event routed into the append-only store.
type AuditEvent struct {
	EventType EventType
	VMID      string
	AgentID   string
	Details   map[string]interface{}
	Timestamp time.Time
	Severity  Severity
}

// Validate checks the event's closed-enum invariants.
func (e *AuditEvent) Validate() error {
	switch e.EventType {
	case EventVMSpawned, EventVMTerminated, EventVMStateChange, EventTaskExecuted,
		EventPolicyEvaluated, EventSecurityViolation, EventImageVerified,
		EventHealthWarning, EventError:
	default:
		return NewError(ErrKindValidationFailed, fmt.Sprintf("unknown event type %q", e.EventType), nil)
	}
	switch e.Severity {
	case SeverityInfo, SeverityWarn, SeverityError, "":
	default:
		return NewError(ErrKindValidationFailed, fmt.Sprintf("unknown severity %q", e.Severity), nil)
	}
	return nil
}

// AuditEnvelope wraps an event with the bridging metadata recorded in
// the append-only store.
type AuditEnvelope struct {
	Source  string     `json:"source"`
	VMID    string     `json:"vm_id,omitempty"`
	AgentID string     `json:"agent_id,omitempty"`
	Event   AuditEvent `json:"event"`
}

// =============================================================================
// Trusted Manifest
// =============================================================================

// ManifestKind is the artifact class verified against a trusted
// manifest.
type ManifestKind string

const (
	ManifestImages  ManifestKind = "images"
	ManifestKernels ManifestKind = "kernels"
	ManifestPlugins ManifestKind = "plugins"
)

// TrustedManifest maps artifact keys to expected SHA-256 hex digests,
// one map per artifact kind.
type TrustedManifest struct {
	Version   string            `json:"version"`
	Images    map[string]string `json:"images"`
	Kernels   map[string]string `json:"kernels"`
	Plugins   map[string]string `json:"plugins"`
	UpdatedAt int64             `json:"updated_at"`
}

// Lookup returns the expected digest map for the given kind.
func (m *TrustedManifest) Lookup(kind ManifestKind) map[string]string {
	switch kind {
	case ManifestImages:
		return m.Images
	case ManifestKernels:
		return m.Kernels
	case ManifestPlugins:
		return m.Plugins
	default:
		return nil
	}
}

// VerificationResult is returned by the image verifier.
type VerificationResult struct {
	Verified     bool
	Path         string
	ExpectedHash string
	ActualHash   string
	VerifiedAt   time.Time
	Error        string
}

// =============================================================================
// Agent Registry
// =============================================================================

// DeploymentStatus is the lifecycle status of an agent deployment.
type DeploymentStatus string

const (
	DeploymentStatusDeployed   DeploymentStatus = "deployed"
	DeploymentStatusTerminated DeploymentStatus = "terminated"
	DeploymentStatusFailed     DeploymentStatus = "failed"
)

// AgentDeployment maps a named agent to the VM it is running on.
type AgentDeployment struct {
	AgentName  string
	VMID       string
	Spec       VMSpec
	DeployedAt time.Time
	Status     DeploymentStatus
}

// =============================================================================
// Edge Deployer
// =============================================================================

// RemoteTarget identifies a remote provisioning destination.
type RemoteTarget struct {
	TargetID string
	Address  string
}

// TargetValidation is the result of validating a remote target.
type TargetValidation struct {
	Reachable    bool
	HALAvailable bool
	Target       string
	Error        string
}

// QueuedOp is a provisioning request queued for retry against an
// unreachable target.
type QueuedOp struct {
	OpID     string
	TargetID string
	Spec     VMSpec
	QueuedAt time.Time
}

// ProvisionResult is returned by provision_remote.
type ProvisionResult struct {
	Status string // "ok", "queued", "error"
	VMID   string
	OpID   string
	Error  string
}

// =============================================================================
// VSOCK Channel
// =============================================================================

// TaskPayload is the body of a payload frame dispatched to a sandbox.
type TaskPayload struct {
	TaskID    string            `json:"task_id"`
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int64             `json:"timeout_ms"`
}

// TaskResult is the body of a result frame returned from a sandbox.
type TaskResult struct {
	TaskID     string `json:"task_id"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	ExitCode   *int   `json:"exit_code,omitempty"`
}

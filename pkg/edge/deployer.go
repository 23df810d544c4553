// Package edge implements the edge deployer (C11): validating and
// provisioning VMs on remote hosts, with an offline retry queue for
// targets that are temporarily unreachable.
package edge

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

// ReachabilityChecker determines whether a remote target can be
// reached at all.
type ReachabilityChecker interface {
	CheckReachable(ctx context.Context, target domain.RemoteTarget) (bool, error)
}

// HALChecker determines whether a reachable target has the hardware
// abstraction layer binary the hypervisor requires.
type HALChecker interface {
	CheckHAL(ctx context.Context, target domain.RemoteTarget) (bool, error)
}

// RemoteSpawner provisions a VM on a remote target and returns its
// vm_id.
type RemoteSpawner interface {
	Spawn(ctx context.Context, target domain.RemoteTarget, spec domain.VMSpec) (string, error)
}

// MetricsProvider records provisioning outcomes for a target. It is
// best-effort: its return value is not surfaced to callers.
type MetricsProvider interface {
	RecordProvision(ctx context.Context, target domain.RemoteTarget, result domain.ProvisionResult)
}

// RetryResult summarizes one retry_queued pass against a target.
type RetryResult struct {
	Retried   int
	Failed    int
	QueueSize int
}

// Deployer is the edge deployer. All four collaborators are injected
// so tests can substitute fakes without real network I/O.
type Deployer struct {
	reachability ReachabilityChecker
	hal          HALChecker
	spawner      RemoteSpawner
	metrics      MetricsProvider

	mu    sync.Mutex
	queue map[string][]domain.QueuedOp

	log *logrus.Entry
}

// NewDeployer constructs a Deployer.
func NewDeployer(reachability ReachabilityChecker, hal HALChecker, spawner RemoteSpawner, metrics MetricsProvider, log *logrus.Entry) *Deployer {
	return &Deployer{
		reachability: reachability,
		hal:          hal,
		spawner:      spawner,
		metrics:      metrics,
		queue:        make(map[string][]domain.QueuedOp),
		log:          log.WithField("component", "edge-deployer"),
	}
}

// ValidateTarget checks reachability and, if reachable, HAL
// availability.
func (d *Deployer) ValidateTarget(ctx context.Context, target domain.RemoteTarget) domain.TargetValidation {
	reachable, err := d.reachability.CheckReachable(ctx, target)
	if err != nil {
		return domain.TargetValidation{Target: target.TargetID, Error: err.Error()}
	}
	if !reachable {
		return domain.TargetValidation{Target: target.TargetID, Reachable: false}
	}

	halAvailable, err := d.hal.CheckHAL(ctx, target)
	if err != nil {
		return domain.TargetValidation{Target: target.TargetID, Reachable: true, Error: err.Error()}
	}
	return domain.TargetValidation{Target: target.TargetID, Reachable: true, HALAvailable: halAvailable}
}

// ProvisionRemote validates target, then either queues the spec (if
// unreachable), fails with a dedicated error (if reachable but no
// HAL), or dispatches to the remote spawner.
func (d *Deployer) ProvisionRemote(ctx context.Context, target domain.RemoteTarget, spec domain.VMSpec) domain.ProvisionResult {
	result, unreachable := d.attemptProvision(ctx, target, spec)
	if unreachable {
		op := domain.QueuedOp{OpID: uuid.NewString(), TargetID: target.TargetID, Spec: spec}
		d.enqueue(target.TargetID, op)
		result.OpID = op.OpID
	}

	if d.metrics != nil {
		d.metrics.RecordProvision(ctx, target, result)
	}
	return result
}

// attemptProvision runs validation and, if reachable, dispatches to
// the remote spawner. It never touches the retry queue — callers
// decide whether and how to queue an unreachable attempt.
func (d *Deployer) attemptProvision(ctx context.Context, target domain.RemoteTarget, spec domain.VMSpec) (result domain.ProvisionResult, unreachable bool) {
	validation := d.ValidateTarget(ctx, target)

	switch {
	case !validation.Reachable:
		return domain.ProvisionResult{Status: "error", Error: "target unreachable — provisioning request queued"}, true

	case !validation.HALAvailable:
		err := domain.NewError(domain.ErrKindHALUnavailable, "target "+target.TargetID+" lacks the HAL binary", nil)
		return domain.ProvisionResult{Status: "error", Error: err.Error()}, false

	default:
		vmID, err := d.spawner.Spawn(ctx, target, spec)
		if err != nil {
			return domain.ProvisionResult{Status: "error", Error: err.Error()}, false
		}
		return domain.ProvisionResult{Status: "ok", VMID: vmID}, false
	}
}

func (d *Deployer) enqueue(targetID string, op domain.QueuedOp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue[targetID] = append(d.queue[targetID], op)
}

// RetryQueued attempts every queued operation for target, removing
// those that succeed and leaving the rest queued.
func (d *Deployer) RetryQueued(ctx context.Context, target domain.RemoteTarget) RetryResult {
	d.mu.Lock()
	pending := d.queue[target.TargetID]
	d.mu.Unlock()

	var remaining []domain.QueuedOp
	result := RetryResult{}

	for _, op := range pending {
		provisionResult, _ := d.attemptProvision(ctx, target, op.Spec)
		if d.metrics != nil {
			d.metrics.RecordProvision(ctx, target, provisionResult)
		}
		if provisionResult.Status == "ok" {
			result.Retried++
		} else {
			result.Failed++
			remaining = append(remaining, op)
		}
	}

	d.mu.Lock()
	if len(remaining) == 0 {
		delete(d.queue, target.TargetID)
	} else {
		d.queue[target.TargetID] = remaining
	}
	result.QueueSize = len(d.queue[target.TargetID])
	d.mu.Unlock()

	return result
}

// QueueSize returns the number of operations currently queued for
// target.
func (d *Deployer) QueueSize(targetID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue[targetID])
}

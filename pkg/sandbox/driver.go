package sandbox

import (
	"context"
	"time"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
)

// TaskExecutor dispatches a task payload into a running VM and waits
// for its result. execute_task always goes through a TaskExecutor —
// in production this is the VSOCK channel (pkg/vsock), in tests it is
// the SimulatedExecutor below. The manager never special-cases
// in-process execution; the channel abstraction is always traversed.
type TaskExecutor interface {
	Execute(ctx context.Context, vmID string, payload domain.TaskPayload) (domain.TaskResult, error)
}

// BootDriver boots and tears down the underlying VM resource for a
// spec. Grounded on the teacher's Manager.CreateVM/DestroyVM
// (pkg/vm/manager.go), generalized from a single Firecracker backend
// to a small interface so the manager can run against a simulated
// driver in tests and a real Firecracker/container driver in
// production.
type BootDriver interface {
	Boot(ctx context.Context, vmID string, spec domain.VMSpec) error
	Terminate(ctx context.Context, vmID string) error
}

// SimulatedExecutor and SimulatedDriver back the manager's default,
// dependency-free test mode: boot and terminate succeed immediately,
// and task execution echoes the command back as output.
type SimulatedDriver struct{}

func (SimulatedDriver) Boot(ctx context.Context, vmID string, spec domain.VMSpec) error {
	return nil
}

func (SimulatedDriver) Terminate(ctx context.Context, vmID string) error {
	return nil
}

// SimulatedExecutor is a TaskExecutor that never leaves the process.
// It still goes through the TaskExecutor abstraction like any real
// VSOCK-backed executor would, satisfying the decision that
// execute_task always traverses the channel interface.
type SimulatedExecutor struct{}

func (SimulatedExecutor) Execute(ctx context.Context, vmID string, payload domain.TaskPayload) (domain.TaskResult, error) {
	start := time.Now()
	return domain.TaskResult{
		TaskID:     payload.TaskID,
		Success:    true,
		Output:     payload.Command,
		DurationMs: time.Since(start).Milliseconds(),
		ExitCode:   intPtr(0),
	}, nil
}

func intPtr(v int) *int {
	return &v
}

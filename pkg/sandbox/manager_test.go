package sandbox

import (
	"context"
	"testing"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

func testSpec(name string) domain.VMSpec {
	return domain.VMSpec{
		Name:     name,
		Provider: domain.ProviderContainer,
		Image:    "ubuntu",
		Resources: domain.Resources{
			CPUMillicores: 100,
			MemoryMB:      128,
			DiskMB:        512,
			NetworkKbps:   100,
			MaxProcesses:  16,
		},
	}
}

func newTestManager(t *testing.T, maxConcurrent int) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxConcurrentVMs = maxConcurrent
	return New(cfg, logrus.NewEntry(logrus.New()))
}

// TestSpawnThenList_S1Scenario follows the spec's S1 scenario: spawn
// one VM, expect ready fired once, vm-state-change(creating, running)
// precedes vm-spawned, and list() reports exactly one instance.
func TestSpawnThenList_S1Scenario(t *testing.T) {
	m := newTestManager(t, 4)

	var events []string
	var readyCount int
	unsubscribe := m.Subscribe(func(name string, args ...interface{}) {
		events = append(events, name)
		if name == "ready" {
			readyCount++
		}
	})
	defer unsubscribe()

	m.Start()
	m.Start() // calling twice must not re-fire ready

	if readyCount != 1 {
		t.Fatalf("ready fired %d times, want 1", readyCount)
	}

	vmID, err := m.Spawn(context.Background(), testSpec("v1"))
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if vmID == "" {
		t.Fatal("expected a non-empty vm_id")
	}

	stateChangeIdx, spawnedIdx := -1, -1
	for i, e := range events {
		if e == "vm-state-change" && stateChangeIdx == -1 {
			stateChangeIdx = i
		}
		if e == "vm-spawned" {
			spawnedIdx = i
		}
	}
	if stateChangeIdx == -1 || spawnedIdx == -1 || stateChangeIdx > spawnedIdx {
		t.Fatalf("expected vm-state-change before vm-spawned, got order %v", events)
	}

	list := m.List()
	if len(list) != 1 {
		t.Fatalf("list length = %d, want 1", len(list))
	}
	if list[0].State != domain.VMStateRunning {
		t.Errorf("instance state = %s, want running", list[0].State)
	}
}

// TestSpawn_S2CapacityScenario follows the spec's S2 scenario:
// max_concurrent_vms = 2, spawn three specs; the third fails with
// capacity-exceeded and the first two remain running.
func TestSpawn_S2CapacityScenario(t *testing.T) {
	m := newTestManager(t, 2)
	ctx := context.Background()

	id1, err := m.Spawn(ctx, testSpec("v1"))
	if err != nil {
		t.Fatalf("spawn 1 failed: %v", err)
	}
	id2, err := m.Spawn(ctx, testSpec("v2"))
	if err != nil {
		t.Fatalf("spawn 2 failed: %v", err)
	}

	_, err = m.Spawn(ctx, testSpec("v3"))
	if err == nil {
		t.Fatal("expected spawn 3 to fail with capacity-exceeded")
	}
	if kind, ok := domain.KindOf(err); !ok || kind != domain.ErrKindCapacityExceeded {
		t.Errorf("expected capacity-exceeded, got %v", err)
	}

	for _, id := range []string{id1, id2} {
		instance, err := m.GetStatus(id)
		if err != nil {
			t.Fatalf("get_status(%s) failed: %v", id, err)
		}
		if instance.State != domain.VMStateRunning {
			t.Errorf("vm %s state = %s, want running", id, instance.State)
		}
	}
}

func TestSpawn_ValidationFailsBeforeReservingCapacity(t *testing.T) {
	m := newTestManager(t, 1)
	_, err := m.Spawn(context.Background(), domain.VMSpec{})
	if err == nil {
		t.Fatal("expected validation error for an empty spec")
	}
	if kind, ok := domain.KindOf(err); !ok || kind != domain.ErrKindValidationFailed {
		t.Errorf("expected validation-failed, got %v", err)
	}

	// Capacity must still be available since the invalid spawn never
	// reserved a slot.
	if _, err := m.Spawn(context.Background(), testSpec("v1")); err != nil {
		t.Fatalf("expected capacity to remain available, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	m := newTestManager(t, 4)
	vmID, _ := m.Spawn(context.Background(), testSpec("v1"))

	if err := m.Pause(vmID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	instance, _ := m.GetStatus(vmID)
	if instance.State != domain.VMStatePaused {
		t.Errorf("state = %s, want paused", instance.State)
	}

	if err := m.Resume(vmID); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	instance, _ = m.GetStatus(vmID)
	if instance.State != domain.VMStateRunning {
		t.Errorf("state = %s, want running", instance.State)
	}

	if err := m.Resume(vmID); err == nil {
		t.Fatal("expected resuming an already-running vm to fail")
	}
}

func TestTerminate_ReleasesCapacityAndIsIdempotent(t *testing.T) {
	m := newTestManager(t, 1)
	ctx := context.Background()

	vmID, err := m.Spawn(ctx, testSpec("v1"))
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	var terminatedCount int
	unsubscribe := m.Subscribe(func(name string, args ...interface{}) {
		if name == "vm-terminated" {
			terminatedCount++
		}
	})
	defer unsubscribe()

	if err := m.Terminate(ctx, vmID); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}
	if err := m.Terminate(ctx, vmID); err == nil {
		t.Fatal("expected a second terminate on a gone vm to fail with not-found")
	}
	if terminatedCount != 1 {
		t.Errorf("vm-terminated fired %d times, want 1", terminatedCount)
	}

	report := m.VerifyCleanup(vmID)
	if !report.Cleaned {
		t.Error("expected verify_cleanup to report cleaned=true")
	}

	// Capacity was released, so spawning again must succeed.
	if _, err := m.Spawn(ctx, testSpec("v2")); err != nil {
		t.Fatalf("expected capacity to be released after terminate, got %v", err)
	}
}

// TestTerminate_EmitsDestroyedTransitionBeforeTerminated follows
// spec §5: a subscriber must observe stopped, then destroyed via
// vm-state-change, before vm-terminated fires.
func TestTerminate_EmitsDestroyedTransitionBeforeTerminated(t *testing.T) {
	m := newTestManager(t, 1)
	ctx := context.Background()
	vmID, err := m.Spawn(ctx, testSpec("v1"))
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	type observed struct {
		name string
		args []interface{}
	}
	var events []observed
	unsubscribe := m.Subscribe(func(name string, args ...interface{}) {
		events = append(events, observed{name: name, args: args})
	})
	defer unsubscribe()

	if err := m.Terminate(ctx, vmID); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}

	var sawStoppedToDestroyed, sawTerminated bool
	for _, e := range events {
		if e.name == "vm-state-change" && len(e.args) == 3 {
			prev, _ := e.args[1].(domain.VMState)
			next, _ := e.args[2].(domain.VMState)
			if prev == domain.VMStateStopped && next == domain.VMStateDestroyed {
				sawStoppedToDestroyed = true
			}
		}
		if e.name == "vm-terminated" {
			if !sawStoppedToDestroyed {
				t.Fatal("vm-terminated fired before stopped->destroyed vm-state-change")
			}
			sawTerminated = true
		}
	}
	if !sawStoppedToDestroyed {
		t.Fatal("expected a vm-state-change(stopped, destroyed) event")
	}
	if !sawTerminated {
		t.Fatal("expected vm-terminated to fire")
	}
}

func TestTerminate_FromPausedSucceeds(t *testing.T) {
	m := newTestManager(t, 4)
	ctx := context.Background()
	vmID, _ := m.Spawn(ctx, testSpec("v1"))
	if err := m.Pause(vmID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if err := m.Terminate(ctx, vmID); err != nil {
		t.Fatalf("terminate from paused failed: %v", err)
	}
}

func TestTerminate_FailedBootCleansUpWithoutDoubleRelease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentVMs = 1
	cfg.Driver = failingDriver{}
	m := New(cfg, logrus.NewEntry(logrus.New()))

	ctx := context.Background()
	_, err := m.Spawn(ctx, testSpec("v1"))
	if err == nil {
		t.Fatal("expected boot failure")
	}

	list := m.List()
	if len(list) != 1 {
		t.Fatalf("expected the errored instance to remain listed, got %d", len(list))
	}
	vmID := list[0].VMID

	if err := m.Terminate(ctx, vmID); err != nil {
		t.Fatalf("terminate of errored vm failed: %v", err)
	}

	// Capacity was already released at boot failure; terminate must not
	// release it again (which would otherwise panic the semaphore).
	if _, err := m.Spawn(ctx, testSpec("v2")); err != nil {
		t.Fatalf("expected capacity for a fresh spawn, got %v", err)
	}
}

type failingDriver struct{}

func (failingDriver) Boot(ctx context.Context, vmID string, spec domain.VMSpec) error {
	return domain.NewError(domain.ErrKindTransport, "boot device unavailable", nil)
}

func (failingDriver) Terminate(ctx context.Context, vmID string) error {
	return nil
}

func TestExecuteTask(t *testing.T) {
	m := newTestManager(t, 4)
	ctx := context.Background()
	vmID, _ := m.Spawn(ctx, testSpec("v1"))

	result, err := m.ExecuteTask(ctx, vmID, domain.TaskPayload{TaskID: "t1", Command: "echo hi"})
	if err != nil {
		t.Fatalf("execute_task failed: %v", err)
	}
	if !result.Success || result.TaskID != "t1" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestExecuteTask_FailsWhenNotRunning(t *testing.T) {
	m := newTestManager(t, 4)
	ctx := context.Background()
	vmID, _ := m.Spawn(ctx, testSpec("v1"))
	if err := m.Pause(vmID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	_, err := m.ExecuteTask(ctx, vmID, domain.TaskPayload{TaskID: "t1", Command: "echo hi"})
	if kind, ok := domain.KindOf(err); !ok || kind != domain.ErrKindInvalidState {
		t.Errorf("expected invalid-state, got %v", err)
	}
}

func TestEvaluatePolicy(t *testing.T) {
	m := newTestManager(t, 4)

	decision := m.EvaluatePolicy("agent-1", "spawn")
	if decision.Allowed {
		t.Error("expected deny with no registered policy")
	}

	m.RegisterPolicy(domain.SandboxPolicy{
		AgentID:           "agent-1",
		AllowedOperations: []string{"spawn", "terminate"},
		BlockedOperations: []string{"terminate"},
	})

	decision = m.EvaluatePolicy("agent-1", "spawn")
	if !decision.Allowed {
		t.Errorf("expected allow, got deny: %s", decision.Reason)
	}

	decision = m.EvaluatePolicy("agent-1", "terminate")
	if decision.Allowed {
		t.Error("expected deny for a blocked operation even though it's also allowed")
	}

	decision = m.EvaluatePolicy("agent-1", "pause")
	if decision.Allowed {
		t.Error("expected deny for an operation absent from allowed_operations")
	}
}

func TestClose_BestEffortTerminatesAll(t *testing.T) {
	m := newTestManager(t, 4)
	ctx := context.Background()
	m.Spawn(ctx, testSpec("v1"))
	m.Spawn(ctx, testSpec("v2"))

	if err := m.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if len(m.List()) != 0 {
		t.Errorf("expected all VMs terminated after close, got %d", len(m.List()))
	}
}

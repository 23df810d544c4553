package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

func TestChannelExecutor_ExecuteRoundTripsThroughPipeDialer(t *testing.T) {
	e := NewChannelExecutor(PipeDialer{}, time.Second, logrus.NewEntry(logrus.New()))

	result, err := e.Execute(context.Background(), "vm-1", domain.TaskPayload{Command: "echo hi"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !result.Success || result.Output != "echo hi" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestChannelExecutor_ReusesChannelForSameVM(t *testing.T) {
	e := NewChannelExecutor(PipeDialer{}, time.Second, logrus.NewEntry(logrus.New()))
	if _, err := e.Execute(context.Background(), "vm-1", domain.TaskPayload{Command: "a"}); err != nil {
		t.Fatalf("first execute failed: %v", err)
	}
	if _, err := e.Execute(context.Background(), "vm-1", domain.TaskPayload{Command: "b"}); err != nil {
		t.Fatalf("second execute failed: %v", err)
	}

	e.mu.Lock()
	n := len(e.channels)
	e.mu.Unlock()
	if n != 1 {
		t.Errorf("expected one channel tracked for vm-1, got %d", n)
	}
}

func TestChannelExecutor_DifferentVMsGetDifferentChannels(t *testing.T) {
	e := NewChannelExecutor(PipeDialer{}, time.Second, logrus.NewEntry(logrus.New()))
	if _, err := e.Execute(context.Background(), "vm-1", domain.TaskPayload{Command: "a"}); err != nil {
		t.Fatalf("execute vm-1 failed: %v", err)
	}
	if _, err := e.Execute(context.Background(), "vm-2", domain.TaskPayload{Command: "b"}); err != nil {
		t.Fatalf("execute vm-2 failed: %v", err)
	}

	e.mu.Lock()
	n := len(e.channels)
	e.mu.Unlock()
	if n != 2 {
		t.Errorf("expected two channels tracked, got %d", n)
	}
}

func TestChannelExecutor_Close(t *testing.T) {
	e := NewChannelExecutor(PipeDialer{}, time.Second, logrus.NewEntry(logrus.New()))
	if _, err := e.Execute(context.Background(), "vm-1", domain.TaskPayload{Command: "a"}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	e.Close()

	e.mu.Lock()
	n := len(e.channels)
	e.mu.Unlock()
	if n != 0 {
		t.Errorf("expected Close to clear tracked channels, got %d", n)
	}
}

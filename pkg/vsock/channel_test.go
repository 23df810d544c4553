package vsock

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

// echoPeer reads payload frames off remote and writes back a result
// frame with success=true, standing in for a guest agent.
func echoPeer(t *testing.T, remote io.ReadWriteCloser) {
	t.Helper()
	go func() {
		for {
			header := make([]byte, frameHeaderLen)
			if _, err := io.ReadFull(remote, header); err != nil {
				return
			}
			bodyLen := binary.BigEndian.Uint32(header[0:4])
			body := make([]byte, bodyLen)
			if _, err := io.ReadFull(remote, body); err != nil {
				return
			}
			payload, err := ParsePayload(body)
			if err != nil {
				continue
			}
			frame, err := EncodeResultFrame(domain.TaskResult{TaskID: payload.TaskID, Success: true, Output: payload.Command})
			if err != nil {
				continue
			}
			if _, err := remote.Write(frame); err != nil {
				return
			}
		}
	}()
}

func newConnectedChannel(t *testing.T) (*Channel, io.Closer) {
	t.Helper()
	local, remote := DialPipe()
	echoPeer(t, remote)

	ch := New(logrus.NewEntry(logrus.New()))
	if err := ch.Connect(local); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return ch, remote
}

func TestChannel_ExecuteRoundTrip(t *testing.T) {
	ch, remote := newConnectedChannel(t)
	defer remote.Close()

	result, err := ch.Execute(context.Background(), domain.TaskPayload{Command: "echo hi"}, time.Second)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !result.Success || result.Output != "echo hi" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestChannel_SendThenReceive(t *testing.T) {
	ch, remote := newConnectedChannel(t)
	defer remote.Close()

	taskID, err := ch.Send(domain.TaskPayload{Command: "ls"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	result, err := ch.Receive(context.Background(), taskID, time.Second)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if result.TaskID != taskID {
		t.Errorf("task_id = %q, want %q", result.TaskID, taskID)
	}
}

func TestChannel_ReceiveTimesOutWithNoResult(t *testing.T) {
	ch := New(logrus.NewEntry(logrus.New()))
	local, remote := DialPipe()
	defer remote.Close()
	ch.Connect(local)

	_, err := ch.Receive(context.Background(), "nonexistent-task", 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if kind, _ := domain.KindOf(err); kind != domain.ErrKindTimeout {
		t.Errorf("kind = %q, want timeout", kind)
	}
}

func TestChannel_SendFailsWhenNotConnected(t *testing.T) {
	ch := New(logrus.NewEntry(logrus.New()))
	_, err := ch.Send(domain.TaskPayload{Command: "ls"})
	if err == nil {
		t.Fatal("expected send on an unconnected channel to fail")
	}
}

func TestChannel_DisconnectRejectsPendingFutures(t *testing.T) {
	ch := New(logrus.NewEntry(logrus.New()))
	local, remote := DialPipe()
	defer remote.Close()
	ch.Connect(local)

	resultCh := make(chan error, 1)
	go func() {
		_, err := ch.Receive(context.Background(), "pending-task", 5*time.Second)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := ch.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatal("expected pending receive to be rejected on disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("pending receive was never rejected")
	}
}

func TestChannel_ConnectTwiceFails(t *testing.T) {
	ch, remote := newConnectedChannel(t)
	defer remote.Close()

	local2, remote2 := DialPipe()
	defer remote2.Close()
	if err := ch.Connect(local2); err == nil {
		t.Fatal("expected connecting an already-connected channel to fail")
	}
	_ = local2
}

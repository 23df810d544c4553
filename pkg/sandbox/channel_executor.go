package sandbox

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/pipeops/hypervisor-control-plane/pkg/vsock"
	"github.com/sirupsen/logrus"
)

// VSOCKDialer opens the transport execute_task frames travel over for
// vmID. PipeDialer backs the dependency-free default driver with an
// in-process net.Pipe; a real deployment dials the guest agent's
// VSOCK listener instead (cmd/hypervisord wires one against
// FirecrackerDriver's allocated CIDs).
type VSOCKDialer interface {
	Dial(ctx context.Context, vmID string) (net.Conn, error)
}

// ChannelExecutor is the production TaskExecutor: execute_task always
// traverses a vsock.Channel (C12), never a direct in-process return.
// One Channel is dialed lazily per vm_id and kept open across calls.
// Grounded on pkg/vsock's own Channel/DialPipe pairing, generalized
// from a single test connection to a vm_id-keyed pool.
type ChannelExecutor struct {
	mu       sync.Mutex
	dialer   VSOCKDialer
	channels map[string]*vsock.Channel
	timeout  time.Duration
	log      *logrus.Entry
}

// NewChannelExecutor constructs a ChannelExecutor. timeout bounds how
// long Execute waits for a result frame; it defaults to 30s.
func NewChannelExecutor(dialer VSOCKDialer, timeout time.Duration, log *logrus.Entry) *ChannelExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChannelExecutor{
		dialer:   dialer,
		channels: make(map[string]*vsock.Channel),
		timeout:  timeout,
		log:      log.WithField("component", "channel-executor"),
	}
}

// Execute dispatches payload into vmID's channel, dialing one first
// if none is open yet. A channel that errors is dropped so the next
// call redials rather than reusing a dead connection.
func (e *ChannelExecutor) Execute(ctx context.Context, vmID string, payload domain.TaskPayload) (domain.TaskResult, error) {
	ch, err := e.channelFor(ctx, vmID)
	if err != nil {
		return domain.TaskResult{}, err
	}

	result, err := ch.Execute(ctx, payload, e.timeout)
	if err != nil {
		e.mu.Lock()
		if e.channels[vmID] == ch {
			delete(e.channels, vmID)
		}
		e.mu.Unlock()
		ch.Disconnect()
	}
	return result, err
}

func (e *ChannelExecutor) channelFor(ctx context.Context, vmID string) (*vsock.Channel, error) {
	e.mu.Lock()
	if ch, ok := e.channels[vmID]; ok {
		e.mu.Unlock()
		return ch, nil
	}
	e.mu.Unlock()

	conn, err := e.dialer.Dial(ctx, vmID)
	if err != nil {
		return nil, domain.NewError(domain.ErrKindTransport, "dialing vsock channel for vm "+vmID, err)
	}

	ch := vsock.New(e.log)
	if err := ch.Connect(conn); err != nil {
		conn.Close()
		return nil, err
	}

	e.mu.Lock()
	if existing, ok := e.channels[vmID]; ok {
		e.mu.Unlock()
		ch.Disconnect()
		return existing, nil
	}
	e.channels[vmID] = ch
	e.mu.Unlock()
	return ch, nil
}

// Close disconnects every channel this executor has open. Called from
// Manager.Close so no connection outlives the manager that owns it.
func (e *ChannelExecutor) Close() {
	e.mu.Lock()
	channels := e.channels
	e.channels = make(map[string]*vsock.Channel)
	e.mu.Unlock()

	for _, ch := range channels {
		ch.Disconnect()
	}
}

// PipeDialer is the VSOCKDialer for DefaultConfig: each vm_id gets an
// in-process net.Pipe, and the remote end is served by a minimal
// in-process peer that plays the guest agent's part (decode a payload
// frame, run nothing, echo an immediate success result). This is what
// lets execute_task traverse the real frame/channel code in tests and
// the dependency-free default driver without a VSOCK transport.
type PipeDialer struct{}

func (PipeDialer) Dial(ctx context.Context, vmID string) (net.Conn, error) {
	local, remote := vsock.DialPipe()
	go servePipeAgent(remote)
	return local, nil
}

// servePipeAgent mirrors cmd/sandbox-agent's frame loop: read an
// 8-byte length+type header, read the body, decode, respond. It never
// actually execs payload.Command — it only needs to keep the channel
// abstraction live end to end for the default driver.
func servePipeAgent(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	const frameHeaderLen = 8
	for {
		header := make([]byte, frameHeaderLen)
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		bodyLen := binary.BigEndian.Uint32(header[0:4])
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(reader, body); err != nil {
			return
		}

		payload, err := vsock.ParsePayload(body)
		if err != nil {
			continue
		}

		result := domain.TaskResult{
			TaskID:   payload.TaskID,
			Success:  true,
			Output:   payload.Command,
			ExitCode: intPtr(0),
		}
		frame, err := vsock.EncodeResultFrame(result)
		if err != nil {
			continue
		}
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

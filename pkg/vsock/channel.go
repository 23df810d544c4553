// Package vsock implements the VSOCK channel (C12): length-prefixed
// framing over a stream transport used to dispatch tasks into a
// sandbox and collect their results.
package vsock

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

type outcome struct {
	result domain.TaskResult
	err    error
}

// Channel is the host-side driver for one VSOCK connection: it frames
// outgoing task payloads, demultiplexes incoming result frames to the
// caller awaiting that task_id, and rejects all pending waiters on
// disconnect.
type Channel struct {
	mu      sync.Mutex
	conn    io.ReadWriteCloser
	open    bool
	pending map[string]chan outcome

	log *logrus.Entry
}

// New constructs a disconnected Channel.
func New(log *logrus.Entry) *Channel {
	return &Channel{
		pending: make(map[string]chan outcome),
		log:     log.WithField("component", "vsock-channel"),
	}
}

// Connect marks the channel open against conn and starts the
// background reader that demultiplexes incoming result frames.
func (c *Channel) Connect(conn io.ReadWriteCloser) error {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return domain.NewError(domain.ErrKindInvalidState, "channel already connected", nil)
	}
	c.conn = conn
	c.open = true
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Channel) readLoop(conn io.ReadWriteCloser) {
	reader := bufio.NewReader(conn)
	for {
		header := make([]byte, frameHeaderLen)
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}

		bodyLen := binary.BigEndian.Uint32(header[0:4])
		frameType := FrameType(binary.BigEndian.Uint32(header[4:8]))

		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(reader, body); err != nil {
			return
		}
		if frameType != FrameTypeResult {
			continue
		}

		result, err := ParseResult(body)
		if err != nil {
			c.log.WithError(err).Warn("Discarding unparsable result frame")
			continue
		}
		c.DeliverResult(result)
	}
}

// Send frames payload and writes it to the transport, returning its
// task_id (minted if payload.TaskID is empty).
func (c *Channel) Send(payload domain.TaskPayload) (string, error) {
	if payload.TaskID == "" {
		payload.TaskID = uuid.NewString()
	}

	c.mu.Lock()
	conn := c.conn
	open := c.open
	c.mu.Unlock()

	if !open {
		return "", domain.NewError(domain.ErrKindTransport, "channel is not connected", nil)
	}

	frame, err := EncodePayloadFrame(payload)
	if err != nil {
		return "", err
	}
	if _, err := conn.Write(frame); err != nil {
		return "", domain.NewError(domain.ErrKindTransport, "writing payload frame", err)
	}
	return payload.TaskID, nil
}

// Receive returns a future that resolves when a result bearing taskID
// arrives, or rejects on timeout or context cancellation.
func (c *Channel) Receive(ctx context.Context, taskID string, timeout time.Duration) (domain.TaskResult, error) {
	ch := c.register(taskID)
	defer c.unregister(taskID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-timer.C:
		return domain.TaskResult{}, domain.NewError(domain.ErrKindTimeout,
			"timed out waiting for result of task "+taskID, nil)
	case <-ctx.Done():
		return domain.TaskResult{}, domain.NewError(domain.ErrKindTimeout,
			"context canceled waiting for result of task "+taskID, ctx.Err())
	}
}

// Execute registers a future for the result, sends payload, then
// waits — the standard dispatch entry point.
func (c *Channel) Execute(ctx context.Context, payload domain.TaskPayload, timeout time.Duration) (domain.TaskResult, error) {
	if payload.TaskID == "" {
		payload.TaskID = uuid.NewString()
	}

	ch := c.register(payload.TaskID)
	defer c.unregister(payload.TaskID)

	if _, err := c.Send(payload); err != nil {
		return domain.TaskResult{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-timer.C:
		return domain.TaskResult{}, domain.NewError(domain.ErrKindTimeout,
			"timed out waiting for result of task "+payload.TaskID, nil)
	case <-ctx.Done():
		return domain.TaskResult{}, domain.NewError(domain.ErrKindTimeout,
			"context canceled waiting for result of task "+payload.TaskID, ctx.Err())
	}
}

// DeliverResult resolves the pending future for result.TaskID, if
// any. It is called by the transport reader as result frames arrive,
// but is exported so an in-process driver can call it directly.
func (c *Channel) DeliverResult(result domain.TaskResult) {
	c.mu.Lock()
	ch, ok := c.pending[result.TaskID]
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- outcome{result: result}
}

// Disconnect closes the transport and rejects every pending future.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.open = false
	pending := c.pending
	c.pending = make(map[string]chan outcome)
	c.mu.Unlock()

	for taskID, ch := range pending {
		ch <- outcome{err: domain.NewError(domain.ErrKindTransport, "channel disconnected while awaiting task "+taskID, nil)}
	}

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Channel) register(taskID string) chan outcome {
	ch := make(chan outcome, 1)
	c.mu.Lock()
	c.pending[taskID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Channel) unregister(taskID string) {
	c.mu.Lock()
	delete(c.pending, taskID)
	c.mu.Unlock()
}

package vsock

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
)

// FrameType distinguishes a payload frame from a result frame on the
// wire.
type FrameType uint32

const (
	FrameTypePayload FrameType = 0
	FrameTypeResult  FrameType = 1
)

const frameHeaderLen = 8 // 4-byte body length + 4-byte type tag

// EncodeFrame serializes a length-prefixed frame: a 4-byte
// big-endian body length, a 4-byte big-endian type tag, then body.
func EncodeFrame(frameType FrameType, body []byte) []byte {
	buf := make([]byte, frameHeaderLen+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(frameType))
	copy(buf[frameHeaderLen:], body)
	return buf
}

// DecodeFrame parses a single frame out of data, returning its type
// and body. data must contain exactly one complete frame.
func DecodeFrame(data []byte) (FrameType, []byte, error) {
	if len(data) < frameHeaderLen {
		return 0, nil, domain.NewError(domain.ErrKindTransport, "frame too short", nil)
	}

	bodyLen := binary.BigEndian.Uint32(data[0:4])
	frameType := FrameType(binary.BigEndian.Uint32(data[4:8]))
	if frameType != FrameTypePayload && frameType != FrameTypeResult {
		return 0, nil, domain.NewError(domain.ErrKindTransport, "unknown type", nil)
	}

	available := uint32(len(data) - frameHeaderLen)
	if available < bodyLen {
		return 0, nil, domain.NewError(domain.ErrKindTransport, "frame incomplete", nil)
	}

	return frameType, data[frameHeaderLen : frameHeaderLen+bodyLen], nil
}

// EncodePayloadFrame frames a TaskPayload as a payload frame.
func EncodePayloadFrame(payload domain.TaskPayload) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.NewError(domain.ErrKindTransport, "marshaling task payload", err)
	}
	return EncodeFrame(FrameTypePayload, body), nil
}

// EncodeResultFrame frames a TaskResult as a result frame.
func EncodeResultFrame(result domain.TaskResult) ([]byte, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return nil, domain.NewError(domain.ErrKindTransport, "marshaling task result", err)
	}
	return EncodeFrame(FrameTypeResult, body), nil
}

// ParsePayload decodes a payload frame body into a TaskPayload.
func ParsePayload(body []byte) (domain.TaskPayload, error) {
	var payload domain.TaskPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.TaskPayload{}, domain.NewError(domain.ErrKindTransport, "unmarshaling task payload", err)
	}
	return payload, nil
}

// ParseResult decodes a result frame body into a TaskResult.
func ParseResult(body []byte) (domain.TaskResult, error) {
	var result domain.TaskResult
	if err := json.Unmarshal(body, &result); err != nil {
		return domain.TaskResult{}, domain.NewError(domain.ErrKindTransport, "unmarshaling task result", err)
	}
	return result, nil
}

// Package bridge implements the native IPC transport for buntree: a
// unix-socket protocol with length-prefixed binary frames carrying JSON
// payloads. Request/response traffic is lockstep on one connection; every
// active watch holds its own connection on which the server streams event
// frames.
package bridge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidFrame  = errors.New("invalid frame format")
	ErrFrameTooLarge = errors.New("frame too large")
)

const (
	requestIDSize  = 8
	commandSize    = 1
	statusSize     = 1
	payloadLenSize = 4
	maxFrameSize   = 16 * 1024 * 1024
)

// Command codes.
const (
	cmdHello      = 1
	cmdAuth       = 2
	cmdSet        = 3
	cmdUpdate     = 4
	cmdRemove     = 5
	cmdPush       = 6
	cmdOnce       = 7
	cmdListen     = 8
	cmdKeepSynced = 9
	cmdDisconnect = 10
	cmdCompareSet = 11
)

// Status codes.
const (
	statusOK    = 0
	statusError = 1
)

// requestFrame is a single IPC request.
type requestFrame struct {
	RequestID uint64
	Command   uint8
	Payload   []byte
}

// responseFrame is a single IPC response.
type responseFrame struct {
	RequestID uint64
	Status    uint8
	Payload   []byte
}

func encodeRequest(req *requestFrame) ([]byte, error) {
	size := requestIDSize + commandSize + payloadLenSize + len(req.Payload)
	if size > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, size)
	offset := 0
	binary.LittleEndian.PutUint64(buf[offset:], req.RequestID)
	offset += requestIDSize
	buf[offset] = req.Command
	offset += commandSize
	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(req.Payload)))
	offset += payloadLenSize
	if len(req.Payload) > 0 {
		copy(buf[offset:], req.Payload)
	}
	return buf, nil
}

func decodeResponse(data []byte) (*responseFrame, error) {
	if len(data) < requestIDSize+statusSize+payloadLenSize {
		return nil, ErrInvalidFrame
	}
	offset := 0
	resp := &responseFrame{}
	resp.RequestID = binary.LittleEndian.Uint64(data[offset:])
	offset += requestIDSize
	resp.Status = data[offset]
	offset += statusSize
	payloadLen := binary.LittleEndian.Uint32(data[offset:])
	offset += payloadLenSize
	if offset+int(payloadLen) > len(data) {
		return nil, ErrInvalidFrame
	}
	if payloadLen > 0 {
		resp.Payload = make([]byte, payloadLen)
		copy(resp.Payload, data[offset:])
	}
	return resp, nil
}

// Request/response payloads. All are JSON.

type helloRequest struct {
	ClientID string `json:"clientId"`
}

type helloResponse struct {
	ServerTime int64 `json:"serverTime"` // unix milliseconds
}

type authRequest struct {
	Token string `json:"token"`
}

type writeRequest struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

type pathRequest struct {
	Path string `json:"path"`
}

type pushResponse struct {
	Key string `json:"key"`
}

type queryRequest struct {
	Path      string   `json:"path"`
	QueryKey  string   `json:"queryKey"`
	Modifiers []string `json:"modifiers,omitempty"`
	Event     string   `json:"event,omitempty"`
}

type onceResponse struct {
	Data any   `json:"data"`
	Rev  int64 `json:"rev"`
}

type keepSyncedRequest struct {
	Path string `json:"path"`
	Keep bool   `json:"keep"`
}

type disconnectRequest struct {
	Path  string `json:"path"`
	Op    string `json:"op"` // set, update, remove, cancel
	Value any    `json:"value,omitempty"`
}

type compareSetRequest struct {
	Path        string `json:"path"`
	ExpectedRev int64  `json:"expectedRev"`
	Value       any    `json:"value"`
}

type compareSetResponse struct {
	Committed bool  `json:"committed"`
	Data      any   `json:"data"`
	Rev       int64 `json:"rev"`
}

// eventFrame is streamed on a watch connection after the listen response.
type eventFrame struct {
	Path     string `json:"path"`
	QueryKey string `json:"queryKey"`
	Event    string `json:"event"`
	Data     any    `json:"data"`
}

// Error is a raw bridge failure as reported by the native side. Callers map
// it into the SDK's domain error exactly once.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("bridge: %s (%s)", e.Message, e.Code)
	}
	return "bridge: " + e.Message
}

func decodeError(payload []byte) error {
	var e Error
	if len(payload) > 0 && json.Unmarshal(payload, &e) == nil && e.Message != "" {
		return &e
	}
	return &Error{Message: "unknown bridge error"}
}

package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/commatea/BleX-Bridge/pkg/bluetooth"
)

// Method names accepted in the request envelope.
const (
	MethodStartScan        = "start_scan"
	MethodStopScan         = "stop_scan"
	MethodGetInfo          = "get_info"
	MethodEnumerate        = "enumerate"
	MethodConnectDevice    = "connect_device"
	MethodDisconnectDevice = "disconnect_device"
	MethodOpenDevice       = "open_device"
	MethodCloseDevice      = "close_device"
	MethodRead             = "read"
	MethodWrite            = "write"
	MethodForgetDevice     = "forget_device"
)

// ErrProtocol reports a malformed request envelope.
var ErrProtocol = errors.New("ProtocolError")

// Method is the name+args pair of a request, echoed back in replies.
type Method struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Request is the inbound envelope.
type Request struct {
	ID     string `json:"id"`
	Method Method `json:"method"`
}

// Response is the outbound success envelope. Payload is the untagged
// union: info object, device array, bool, string or byte array.
type Response struct {
	ID      string `json:"id"`
	Method  Method `json:"method"`
	Payload any    `json:"payload"`
}

// ErrorResponse is the outbound failure envelope.
type ErrorResponse struct {
	ID     string `json:"id"`
	Method Method `json:"method"`
	Error  string `json:"error"`
}

// uuidArg decodes a single-uuid argument list.
func uuidArg(args json.RawMessage) (string, error) {
	var list []string
	if err := json.Unmarshal(args, &list); err != nil || len(list) != 1 {
		return "", fmt.Errorf("%w: expected [uuid]", ErrProtocol)
	}
	return list[0], nil
}

// writeArgs decodes the [uuid, bytes] argument list of write.
func writeArgs(args json.RawMessage) (string, []byte, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(args, &list); err != nil || len(list) != 2 {
		return "", nil, fmt.Errorf("%w: expected [uuid, bytes]", ErrProtocol)
	}
	var uuid string
	if err := json.Unmarshal(list[0], &uuid); err != nil {
		return "", nil, fmt.Errorf("%w: uuid must be a string", ErrProtocol)
	}
	var data bluetooth.ByteArray
	if err := json.Unmarshal(list[1], &data); err != nil {
		return "", nil, fmt.Errorf("%w: bytes must be a number array", ErrProtocol)
	}
	return uuid, data, nil
}

// decodeRequest parses an inbound text frame. When the frame is not a
// valid envelope but an id is recoverable, the id comes back with the
// error so the client gets an addressed ProtocolError reply.
func decodeRequest(data []byte) (Request, string, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil || req.Method.Name == "" {
		var partial struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(data, &partial)
		return Request{}, partial.ID, ErrProtocol
	}
	return req, req.ID, nil
}

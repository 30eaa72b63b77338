package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const jsonRPCVersion = "2.0"

const (
	LatestProtocolVersion = "2025-06-18"

	MethodInitialize       = "initialize"
	MethodInitialized      = "notifications/initialized"
	MethodPing             = "ping"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodCancelled        = "notifications/cancelled"
	MethodToolsListChanged = "notifications/tools/list_changed"

	MethodPromptsList        = "prompts/list"
	MethodPromptsGet         = "prompts/get"
	MethodPromptsListChanged = "notifications/prompts/list_changed"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

var supportedProtocolVersions = []string{
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

func IsSupportedProtocolVersion(version string) bool {
	for _, candidate := range supportedProtocolVersions {
		if candidate == version {
			return true
		}
	}
	return false
}

// Message is one of *Request, *Response or *Notification.
type Message interface {
	isMessage()
}

// Request expects a Response carrying the same ID. IDs are kept as raw JSON so
// that server-issued string ids round-trip verbatim.
type Request struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

type Response struct {
	ID     json.RawMessage
	Result json.RawMessage
	Error  *RPCError
}

type Notification struct {
	Method string
	Params json.RawMessage
}

func (*Request) isMessage()      {}
func (*Response) isMessage()     {}
func (*Notification) isMessage() {}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// EncodeMessage renders msg as a single compact JSON object.
func EncodeMessage(msg Message) ([]byte, error) {
	wire := wireMessage{JSONRPC: jsonRPCVersion}
	switch m := msg.(type) {
	case *Request:
		if isAbsentID(m.ID) {
			return nil, errors.New("request requires an id")
		}
		wire.ID = m.ID
		wire.Method = m.Method
		wire.Params = m.Params
	case *Notification:
		wire.Method = m.Method
		wire.Params = m.Params
	case *Response:
		wire.ID = m.ID
		if wire.ID == nil {
			wire.ID = json.RawMessage("null")
		}
		if m.Error != nil {
			wire.Error = m.Error
		} else {
			wire.Result = m.Result
			if wire.Result == nil {
				wire.Result = json.RawMessage("{}")
			}
		}
	default:
		return nil, fmt.Errorf("unsupported message type %T", msg)
	}
	if wire.Method == "" && wire.Result == nil && wire.Error == nil {
		return nil, errors.New("message requires a method")
	}
	return json.Marshal(wire)
}

// DecodeMessage parses one frame. Frames that are not a single JSON-RPC 2.0
// object of a known shape yield a *ProtocolError.
func DecodeMessage(frame []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(frame, &wire); err != nil {
		return nil, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	if wire.JSONRPC != jsonRPCVersion {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unsupported jsonrpc version %q", wire.JSONRPC)}
	}
	hasID := !isAbsentID(wire.ID)
	switch {
	case wire.Method != "" && hasID:
		return &Request{ID: wire.ID, Method: wire.Method, Params: wire.Params}, nil
	case wire.Method != "":
		return &Notification{Method: wire.Method, Params: wire.Params}, nil
	case wire.Result != nil || wire.Error != nil:
		if wire.Error != nil && wire.Result != nil {
			return nil, &ProtocolError{Reason: "response carries both result and error"}
		}
		return &Response{ID: wire.ID, Result: wire.Result, Error: wire.Error}, nil
	default:
		return nil, &ProtocolError{Reason: "frame is neither request, response nor notification"}
	}
}

func numericID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// parseNumericID reports the integer id carried by raw. String ids and
// fractional numbers are never issued by this client and do not match.
func parseNumericID(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' {
		return 0, false
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func isAbsentID(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func marshalParams(params any) (json.RawMessage, error) {
	switch typed := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return typed, nil
	case []byte:
		return json.RawMessage(typed), nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return raw, nil
}

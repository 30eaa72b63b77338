package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrPeerClosed reports that the remote end closed its stream.
	ErrPeerClosed = errors.New("peer closed the connection")
	// ErrVersionMismatch is terminal: the server speaks no protocol version we support.
	ErrVersionMismatch = errors.New("protocol version mismatch")
	// ErrSessionClosed is returned to requests outstanding when a session is shut down.
	ErrSessionClosed = errors.New("session closed")
	// ErrSendAbandoned reports a send cut short by its context while the frame
	// was being written. The stream cannot be framed afterwards.
	ErrSendAbandoned = errors.New("send abandoned mid-frame")
)

// TransportError covers spawn failures, broken pipes and peers that went away.
type TransportError struct {
	Server string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp server %q: %s: %v", e.Server, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type ProtocolError struct {
	Server string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	if e.Server != "" {
		fmt.Fprintf(&b, "mcp server %q: ", e.Server)
	}
	b.WriteString("protocol error: ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("json-rpc error %d", e.Code)
	}
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// TimeoutError is local: the server may still complete the operation.
type TimeoutError struct {
	Server string
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("mcp server %q: %s timed out after %s", e.Server, e.Method, e.After)
	}
	return fmt.Sprintf("mcp server %q: %s timed out", e.Server, e.Method)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

type CancelledError struct {
	Server string
	Method string
	Cause  error
}

func (e *CancelledError) Error() string {
	if e.Cause != nil && !errors.Is(e.Cause, context.Canceled) {
		return fmt.Sprintf("mcp server %q: %s cancelled: %v", e.Server, e.Method, e.Cause)
	}
	return fmt.Sprintf("mcp server %q: %s cancelled", e.Server, e.Method)
}

func (e *CancelledError) Unwrap() error {
	return context.Canceled
}

// ToolExecutionError is a failure reported by the tool itself. Result holds
// the server's content unchanged.
type ToolExecutionError struct {
	Server string
	Tool   string
	Result *CallToolResult
}

func (e *ToolExecutionError) Error() string {
	text := ""
	if e.Result != nil {
		text = e.Result.Text()
	}
	if text == "" {
		return fmt.Sprintf("tool %q on server %q failed", e.Tool, e.Server)
	}
	return fmt.Sprintf("tool %q on server %q failed: %s", e.Tool, e.Server, text)
}

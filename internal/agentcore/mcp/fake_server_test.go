package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"goyais/toolhost/internal/logging"
)

var errNoReply = errors.New("no reply")

type fakeHandler func(req *Request) (any, error)

// fakeServer is a scripted peer on the far side of an in-memory pipe. It
// records every frame it receives.
type fakeServer struct {
	version  string
	tools    []Tool
	pageSize int
	// stall stops reading once the handshake is done, like a hung server
	// whose stdin fills up.
	stall bool

	mu       sync.Mutex
	handlers map[string]fakeHandler
	requests  []*Request
	notes     []*Notification
	responses []*Response

	reader  *bufio.Reader
	writer  io.WriteCloser
	writeMu sync.Mutex
	closeFn func()
}

func startFakeServer(t *testing.T, configure func(*fakeServer)) (*fakeServer, DialFunc) {
	t.Helper()
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()
	srv := &fakeServer{
		version:  LatestProtocolVersion,
		handlers: map[string]fakeHandler{},
		reader:   bufio.NewReader(serverIn),
		writer:   serverOut,
	}
	srv.closeFn = func() {
		_ = serverOut.Close()
		_ = serverIn.Close()
	}
	if configure != nil {
		configure(srv)
	}
	go srv.serve()
	t.Cleanup(srv.closeFn)
	dialed := false
	dial := func(ctx context.Context) (Transport, error) {
		if dialed {
			return nil, errors.New("fake server accepts one connection")
		}
		dialed = true
		return NewStreamTransport(clientIn, clientOut), nil
	}
	return srv, dial
}

func newTestSession(t *testing.T, name string, dial DialFunc) *Session {
	t.Helper()
	session := NewSession(name, dial, SessionOptions{Logger: logging.Discard()})
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func (f *fakeServer) handle(method string, handler fakeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = handler
}

func (f *fakeServer) serve() {
	for {
		line, err := f.reader.ReadBytes('\n')
		if len(line) > 0 {
			f.receive(line)
		}
		if err != nil {
			return
		}
		if f.stall && len(f.notifications(MethodInitialized)) > 0 {
			return
		}
	}
}

func (f *fakeServer) receive(frame []byte) {
	msg, err := DecodeMessage(frame)
	if err != nil {
		return
	}
	switch m := msg.(type) {
	case *Response:
		f.mu.Lock()
		f.responses = append(f.responses, m)
		f.mu.Unlock()
	case *Notification:
		f.mu.Lock()
		f.notes = append(f.notes, m)
		f.mu.Unlock()
	case *Request:
		f.mu.Lock()
		f.requests = append(f.requests, m)
		handler := f.handlers[m.Method]
		f.mu.Unlock()
		go f.reply(m, handler)
	}
}

func (f *fakeServer) reply(req *Request, handler fakeHandler) {
	var (
		result any
		err    error
	)
	if handler != nil {
		result, err = handler(req)
	} else {
		result, err = f.defaultHandler(req)
	}
	if errors.Is(err, errNoReply) {
		return
	}
	resp := &Response{ID: req.ID}
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		resp.Error = rpcErr
	case err != nil:
		resp.Error = &RPCError{Code: codeInternalError, Message: err.Error()}
	default:
		raw, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			resp.Error = &RPCError{Code: codeInternalError, Message: marshalErr.Error()}
		} else {
			resp.Result = raw
		}
	}
	frame, _ := EncodeMessage(resp)
	f.writeLine(frame)
}

func (f *fakeServer) defaultHandler(req *Request) (any, error) {
	switch req.Method {
	case MethodInitialize:
		return map[string]any{
			"protocolVersion": f.version,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
			"serverInfo":      map[string]any{"name": "fake", "version": "1.0.0"},
		}, nil
	case MethodToolsList:
		return f.listPage(req.Params), nil
	case MethodToolsCall:
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &params)
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": fmt.Sprintf("%s %s", params.Name, params.Arguments)}},
		}, nil
	case MethodPing:
		return map[string]any{}, nil
	default:
		return nil, &RPCError{Code: codeMethodNotFound, Message: "Method not found: " + req.Method}
	}
}

func (f *fakeServer) listPage(raw json.RawMessage) map[string]any {
	var params struct {
		Cursor string `json:"cursor"`
	}
	_ = json.Unmarshal(raw, &params)
	start := 0
	if params.Cursor != "" {
		fmt.Sscanf(params.Cursor, "page-%d", &start)
	}
	size := f.pageSize
	if size <= 0 {
		size = len(f.tools)
	}
	end := start + size
	if end > len(f.tools) {
		end = len(f.tools)
	}
	out := map[string]any{"tools": f.tools[start:end]}
	if end < len(f.tools) {
		out["nextCursor"] = fmt.Sprintf("page-%d", end)
	}
	return out
}

func (f *fakeServer) writeLine(frame []byte) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_, _ = f.writer.Write(append(append([]byte(nil), frame...), '\n'))
}

func (f *fakeServer) send(msg Message) {
	frame, _ := EncodeMessage(msg)
	f.writeLine(frame)
}

func (f *fakeServer) requestsFor(method string) []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Request
	for _, req := range f.requests {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func (f *fakeServer) notifications(method string) []*Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Notification
	for _, note := range f.notes {
		if note.Method == method {
			out = append(out, note)
		}
	}
	return out
}

func (f *fakeServer) responseTo(id string) *Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, resp := range f.responses {
		if string(resp.ID) == id {
			return resp
		}
	}
	return nil
}

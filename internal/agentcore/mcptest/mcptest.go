// Package mcptest runs in-process tool servers for tests. Servers are real
// protocol implementations from the MCP go-sdk, connected over pipes.
package mcptest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"goyais/toolhost/internal/agentcore/mcp"
)

type Call struct {
	Server    string
	Tool      string
	Arguments json.RawMessage
}

// Recorder collects the tool calls received by every server sharing it.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *Recorder) record(call Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

func (r *Recorder) CallsTo(server string) []Call {
	var out []Call
	for _, call := range r.Calls() {
		if call.Server == server {
			out = append(out, call)
		}
	}
	return out
}

type HandlerFunc func(ctx context.Context, arguments json.RawMessage) (*sdk.CallToolResult, error)

type Server struct {
	Name string
	SDK  *sdk.Server

	recorder *Recorder

	mu       sync.Mutex
	sessions []*sdk.ServerSession
	dials    int
}

func NewServer(name string, recorder *Recorder, tools ...string) *Server {
	if recorder == nil {
		recorder = &Recorder{}
	}
	s := &Server{
		Name:     name,
		SDK:      sdk.NewServer(&sdk.Implementation{Name: name, Version: "v0.0.1"}, nil),
		recorder: recorder,
	}
	for _, tool := range tools {
		s.AddTool(tool)
	}
	return s
}

// AddTool registers a tool that echoes "<server>/<tool> <arguments>".
func (s *Server) AddTool(tool string) {
	s.AddToolFunc(tool, nil, func(ctx context.Context, arguments json.RawMessage) (*sdk.CallToolResult, error) {
		return TextResult(fmt.Sprintf("%s/%s %s", s.Name, tool, arguments)), nil
	})
}

// AddToolFunc registers a tool with a custom handler. A nil schema accepts any
// object.
func (s *Server) AddToolFunc(tool string, schema map[string]any, fn HandlerFunc) {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	s.SDK.AddTool(&sdk.Tool{
		Name:        tool,
		Description: fmt.Sprintf("%s tool from %s", tool, s.Name),
		InputSchema: schema,
	}, func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
		s.recorder.record(Call{Server: s.Name, Tool: tool, Arguments: req.Params.Arguments})
		return fn(ctx, req.Params.Arguments)
	})
}

// AddPrompt registers a prompt whose arguments are all required. It renders
// one user message "<server>/<prompt>" followed by the sorted name=value
// pairs it received.
func (s *Server) AddPrompt(prompt string, arguments ...string) {
	declared := make([]*sdk.PromptArgument, 0, len(arguments))
	for _, name := range arguments {
		declared = append(declared, &sdk.PromptArgument{Name: name, Required: true})
	}
	s.SDK.AddPrompt(&sdk.Prompt{
		Name:        prompt,
		Description: fmt.Sprintf("%s prompt from %s", prompt, s.Name),
		Arguments:   declared,
	}, func(ctx context.Context, req *sdk.GetPromptRequest) (*sdk.GetPromptResult, error) {
		parts := []string{s.Name + "/" + prompt}
		for _, name := range slices.Sorted(maps.Keys(req.Params.Arguments)) {
			parts = append(parts, name+"="+req.Params.Arguments[name])
		}
		return &sdk.GetPromptResult{
			Messages: []*sdk.PromptMessage{
				{Role: "user", Content: &sdk.TextContent{Text: strings.Join(parts, " ")}},
			},
		}, nil
	})
}

func TextResult(text string) *sdk.CallToolResult {
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}
}

func ErrorResult(text string) *sdk.CallToolResult {
	return &sdk.CallToolResult{IsError: true, Content: []sdk.Content{&sdk.TextContent{Text: text}}}
}

// Connect opens a fresh pipe to the server and returns the client end.
func (s *Server) Connect() (mcp.Transport, error) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()
	session, err := s.SDK.Connect(context.Background(), &sdk.IOTransport{Reader: serverIn, Writer: serverOut}, nil)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sessions = append(s.sessions, session)
	s.dials++
	s.mu.Unlock()
	return mcp.NewStreamTransport(clientIn, clientOut), nil
}

func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// DropConnections closes every open connection from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()
	for _, session := range sessions {
		_ = session.Close()
	}
}

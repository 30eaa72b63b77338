package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// maxListPages guards against servers that hand out cursors forever.
const maxListPages = 1000

type Tool struct {
	Name        string           `json:"name"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	InputSchema json.RawMessage  `json:"inputSchema,omitempty"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  bool   `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

type listToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Content is one block of a tool result. Unknown block types keep their raw
// form in Raw.
type Content struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	URI      string          `json:"uri,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

func (c *Content) UnmarshalJSON(data []byte) error {
	type plain Content
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*c = Content(decoded)
	c.Raw = append(json.RawMessage(nil), data...)
	return nil
}

type CallToolResult struct {
	Content           []Content       `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Text joins the textual blocks of the result.
func (r *CallToolResult) Text() string {
	if r == nil {
		return ""
	}
	lines := make([]string, 0, len(r.Content))
	for _, block := range r.Content {
		if text := contentText(block); text != "" {
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, "\n")
}

func contentText(block Content) string {
	switch strings.ToLower(strings.TrimSpace(block.Type)) {
	case "text", "":
		return strings.TrimSpace(block.Text)
	case "resource":
		var resource struct {
			Text string `json:"text"`
		}
		if len(block.Resource) > 0 && json.Unmarshal(block.Resource, &resource) == nil {
			return strings.TrimSpace(resource.Text)
		}
	case "resource_link":
		return strings.TrimSpace(block.URI)
	}
	return ""
}

// ListTools fetches every page of the server's tool list.
func (s *Session) ListTools(ctx context.Context, timeout time.Duration) ([]Tool, error) {
	return listPages(ctx, s, MethodToolsList, timeout, func(raw json.RawMessage) ([]Tool, string, error) {
		var result listToolsResult
		err := json.Unmarshal(raw, &result)
		return result.Tools, result.NextCursor, err
	})
}

// listPages follows nextCursor until the server stops handing one out.
func listPages[T any](ctx context.Context, s *Session, method string, timeout time.Duration, decode func(json.RawMessage) ([]T, string, error)) ([]T, error) {
	var (
		items  []T
		cursor string
		seen   = map[string]struct{}{}
	)
	for page := 0; page < maxListPages; page++ {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := s.Request(ctx, method, params, timeout)
		if err != nil {
			return nil, err
		}
		batch, next, err := decode(raw)
		if err != nil {
			return nil, &ProtocolError{Server: s.name, Reason: "invalid " + method + " result", Err: err}
		}
		items = append(items, batch...)
		if next == "" {
			return items, nil
		}
		if _, repeated := seen[next]; repeated {
			return nil, &ProtocolError{Server: s.name, Reason: fmt.Sprintf("%s repeated cursor %q", method, next)}
		}
		seen[next] = struct{}{}
		cursor = next
	}
	return nil, &ProtocolError{Server: s.name, Reason: method + " exceeded page limit"}
}

// CallTool invokes a tool. A result flagged isError is returned together with
// a *ToolExecutionError carrying it.
func (s *Session) CallTool(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (*CallToolResult, error) {
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}
	raw, err := s.Request(ctx, MethodToolsCall, map[string]any{
		"name":      name,
		"arguments": arguments,
	}, timeout)
	if err != nil {
		return nil, err
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Server: s.name, Reason: "invalid tools/call result", Err: err}
	}
	if result.IsError {
		return &result, &ToolExecutionError{Server: s.name, Tool: name, Result: &result}
	}
	return &result, nil
}

// ToolCaller is the part of a session used to invoke tools.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (*CallToolResult, error)
}

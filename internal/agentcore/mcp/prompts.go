package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

type Prompt struct {
	Name        string           `json:"name"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

type PromptArgument struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Text renders each message as "role: text", one per line.
func (r *GetPromptResult) Text() string {
	if r == nil {
		return ""
	}
	lines := make([]string, 0, len(r.Messages))
	for _, msg := range r.Messages {
		if text := contentText(msg.Content); text != "" {
			lines = append(lines, msg.Role+": "+text)
		}
	}
	return strings.Join(lines, "\n")
}

type listPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// SupportsPrompts reports whether the server advertised the prompts
// capability during the handshake.
func (s *Session) SupportsPrompts() bool {
	raw := s.InitializeResult().Capabilities.Prompts
	return len(raw) > 0 && string(raw) != "null"
}

// ListPrompts fetches every page of the server's prompt list.
func (s *Session) ListPrompts(ctx context.Context, timeout time.Duration) ([]Prompt, error) {
	return listPages(ctx, s, MethodPromptsList, timeout, func(raw json.RawMessage) ([]Prompt, string, error) {
		var result listPromptsResult
		err := json.Unmarshal(raw, &result)
		return result.Prompts, result.NextCursor, err
	})
}

// GetPrompt renders a prompt with the given arguments.
func (s *Session) GetPrompt(ctx context.Context, name string, arguments map[string]string, timeout time.Duration) (*GetPromptResult, error) {
	params := map[string]any{"name": name}
	if len(arguments) > 0 {
		params["arguments"] = arguments
	}
	raw, err := s.Request(ctx, MethodPromptsGet, params, timeout)
	if err != nil {
		return nil, err
	}
	var result GetPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Server: s.name, Reason: "invalid prompts/get result", Err: err}
	}
	return &result, nil
}

// BindArguments maps positional values onto the declared arguments in order
// and merges named values over them. Unknown names, surplus values and
// missing required arguments are errors.
func (p Prompt) BindArguments(positional []string, named map[string]string) (map[string]string, error) {
	if len(positional) > len(p.Arguments) {
		return nil, fmt.Errorf("prompt %q takes %d arguments, got %d", p.Name, len(p.Arguments), len(positional))
	}
	out := make(map[string]string, len(positional)+len(named))
	for i, value := range positional {
		out[p.Arguments[i].Name] = value
	}
	for key, value := range named {
		if !slices.ContainsFunc(p.Arguments, func(arg PromptArgument) bool { return arg.Name == key }) {
			return nil, fmt.Errorf("prompt %q has no argument %q", p.Name, key)
		}
		out[key] = value
	}
	var missing []string
	for _, arg := range p.Arguments {
		if _, ok := out[arg.Name]; arg.Required && !ok {
			missing = append(missing, arg.Name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("prompt %q is missing required arguments: %s", p.Name, strings.Join(missing, ", "))
	}
	return out, nil
}

package registry

import (
	"context"
	"fmt"
	"strings"

	"goyais/toolhost/internal/agentcore/mcp"
)

type PromptNotFoundError struct {
	Name string
}

func (e *PromptNotFoundError) Error() string {
	return fmt.Sprintf("prompt %q not found on any ready server", e.Name)
}

// AmbiguousPromptError is returned for a bare prompt name offered by more than
// one server.
type AmbiguousPromptError struct {
	Name    string
	Servers []string
}

func (e *AmbiguousPromptError) Error() string {
	choices := make([]string, 0, len(e.Servers))
	for _, server := range e.Servers {
		choices = append(choices, server+"/"+e.Name)
	}
	return fmt.Sprintf("prompt %q is offered by several servers, use one of: %s", e.Name, strings.Join(choices, ", "))
}

// ResolvePrompt finds a cached prompt by "server/prompt" or by a bare name
// that only one ready server offers.
func (r *Registry) ResolvePrompt(name string) (string, mcp.Prompt, error) {
	server, promptName, qualified := strings.Cut(name, "/")
	if !qualified {
		server, promptName = "", name
	}
	var (
		found   mcp.Prompt
		matches []string
	)
	for _, ready := range r.ReadyServers() {
		if qualified && ready.Name != server {
			continue
		}
		for _, prompt := range ready.Prompts {
			if prompt.Name == promptName {
				found = prompt
				matches = append(matches, ready.Name)
				break
			}
		}
	}
	switch len(matches) {
	case 0:
		return "", mcp.Prompt{}, &PromptNotFoundError{Name: name}
	case 1:
		return matches[0], found, nil
	default:
		return "", mcp.Prompt{}, &AmbiguousPromptError{Name: promptName, Servers: matches}
	}
}

// GetPrompt resolves name, binds the arguments and renders the prompt on its
// server.
func (r *Registry) GetPrompt(ctx context.Context, name string, positional []string, named map[string]string) (string, *mcp.GetPromptResult, error) {
	server, prompt, err := r.ResolvePrompt(name)
	if err != nil {
		return "", nil, err
	}
	arguments, err := prompt.BindArguments(positional, named)
	if err != nil {
		return "", nil, err
	}
	session, err := r.readySession(server)
	if err != nil {
		return "", nil, err
	}
	result, err := session.GetPrompt(ctx, prompt.Name, arguments, r.opts.ListTimeout)
	if err != nil {
		return "", nil, err
	}
	return server, result, nil
}

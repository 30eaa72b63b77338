package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/AlecAivazis/survey/v2"

	"goyais/toolhost/internal/agentcore/safety"
)

type choice struct {
	key     string
	label   string
	outcome safety.Outcome
}

var choices = []choice{
	{"y", "Allow once", safety.OutcomeAllowOnce},
	{"s", "Allow for this session", safety.OutcomeAllowSession},
	{"a", "Always allow", safety.OutcomePersistAllow},
	{"n", "Deny once", safety.OutcomeDenyOnce},
	{"d", "Always deny", safety.OutcomePersistDeny},
}

const maxPromptAttempts = 3

func (a *App) prompter() safety.Prompter {
	if a.deps.Prompter != nil {
		return a.deps.Prompter
	}
	in, inOK := a.deps.Stdin.(*os.File)
	out, outOK := a.deps.Stderr.(*os.File)
	if a.tty && inOK && outOK {
		return &surveyPrompter{in: in, out: out}
	}
	return newLinePrompter(a.deps.Stdin, a.deps.Stderr)
}

func promptMessage(req safety.PromptRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Allow tool %s", req.Tool)
	switch {
	case req.Destructive:
		b.WriteString(" (destructive)")
	case req.ReadOnly:
		b.WriteString(" (read-only)")
	}
	b.WriteString("?")
	if desc := firstLine(req.Description); desc != "" {
		fmt.Fprintf(&b, "\n  %s", desc)
	}
	if args := strings.TrimSpace(string(req.Arguments)); args != "" && args != "{}" {
		fmt.Fprintf(&b, "\n  arguments: %s", args)
	}
	return b.String()
}

// surveyPrompter asks with an arrow-key menu on a terminal.
type surveyPrompter struct {
	in  *os.File
	out *os.File
	mu  sync.Mutex
}

func (p *surveyPrompter) Confirm(ctx context.Context, req safety.PromptRequest) (safety.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	options := make([]string, 0, len(choices))
	for _, c := range choices {
		options = append(options, c.label)
	}
	var selected int
	prompt := &survey.Select{
		Message: promptMessage(req),
		Options: options,
	}
	if err := survey.AskOne(prompt, &selected, survey.WithStdio(p.in, p.out, p.out)); err != nil {
		return "", err
	}
	return choices[selected].outcome, nil
}

// linePrompter reads one-letter answers from a plain reader.
type linePrompter struct {
	in  io.Reader
	out io.Writer

	mu    sync.Mutex
	once  sync.Once
	lines chan string
	errc  chan error
}

func newLinePrompter(in io.Reader, out io.Writer) *linePrompter {
	return &linePrompter{
		in:    in,
		out:   out,
		lines: make(chan string),
		errc:  make(chan error, 1),
	}
}

// readLines feeds lines to Confirm so a pending read never blocks
// cancellation.
func (p *linePrompter) readLines() {
	reader := bufio.NewReader(p.in)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			p.lines <- strings.TrimSpace(line)
		}
		if err != nil {
			p.errc <- err
			return
		}
	}
}

func (p *linePrompter) Confirm(ctx context.Context, req safety.PromptRequest) (safety.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.once.Do(func() { go p.readLines() })

	fmt.Fprintln(p.out, promptMessage(req))
	var keys []string
	for _, c := range choices {
		keys = append(keys, fmt.Sprintf("[%s] %s", c.key, strings.ToLower(c.label)))
	}
	for range maxPromptAttempts {
		fmt.Fprintf(p.out, "  %s\n> ", strings.Join(keys, "  "))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err := <-p.errc:
			p.errc <- err
			if errors.Is(err, io.EOF) {
				return "", errors.New("no answer on input")
			}
			return "", err
		case line := <-p.lines:
			for _, c := range choices {
				if strings.EqualFold(line, c.key) {
					return c.outcome, nil
				}
			}
			fmt.Fprintf(p.out, "unknown answer %q\n", line)
		}
	}
	return safety.OutcomeDenyOnce, nil
}

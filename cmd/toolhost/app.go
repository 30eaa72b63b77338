package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"goyais/toolhost/internal/agentcore/registry"
	"goyais/toolhost/internal/agentcore/safety"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

type Dependencies struct {
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	Env        map[string]string
	WorkingDir string
	Version    string

	// Prompter replaces the terminal prompt when set.
	Prompter safety.Prompter
	// Dial replaces the stdio and websocket transports when set.
	Dial registry.DialFunc
}

type App struct {
	deps Dependencies

	configPaths []string
	logLevel    string
	tty         bool
}

func NewApp(deps Dependencies) *App {
	if deps.Stdin == nil {
		deps.Stdin = strings.NewReader("")
	}
	if deps.Stdout == nil {
		deps.Stdout = io.Discard
	}
	if deps.Stderr == nil {
		deps.Stderr = io.Discard
	}
	if deps.Env == nil {
		deps.Env = map[string]string{}
	}
	if strings.TrimSpace(deps.Version) == "" {
		deps.Version = "dev"
	}
	return &App{deps: deps}
}

// configError marks failures that should exit with status 2.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func (a *App) Run(ctx context.Context, args []string) int {
	root := a.newRootCommand()
	root.SetArgs(args)
	root.SetIn(a.deps.Stdin)
	root.SetOut(a.deps.Stdout)
	root.SetErr(a.deps.Stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(a.deps.Stderr, "error: %v\n", err)
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	return exitFailed
}

func (a *App) newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "toolhost",
		Short: "Connect to MCP tool servers and run their tools under permission rules",
		Example: `  List configured servers and their state:
  $ toolhost servers

  Render a prompt offered by a server:
  $ toolhost prompts get files/summarize README.md

  Run a tool:
  $ toolhost call files/read_file --args '{"path":"README.md"}'

  Show what the permission rules decide for a tool:
  $ toolhost check files/write_file`,
		Version:           a.deps.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	flags := root.PersistentFlags()
	flags.StringArrayVar(&a.configPaths, "config", nil, "Read configuration from this file after the global and workspace files (repeatable)")
	flags.StringVar(&a.logLevel, "log-level", "", "Set the logging level [trace, debug, info, warn, error]")
	flags.BoolVar(&a.tty, "tty", stdinIsTerminal(a.deps.Stdin), "Use interactive prompts. Defaults to true when stdin is a terminal.")

	root.AddCommand(
		a.newServersCommand(),
		a.newToolsCommand(),
		a.newCallCommand(),
		a.newPromptsCommand(),
		a.newCheckCommand(),
		a.newTrustCommand(),
	)
	return root
}

func stdinIsTerminal(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

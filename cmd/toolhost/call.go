package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"goyais/toolhost/internal/agentcore/mcp"
)

func (a *App) newCallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call SERVER/TOOL|ALIAS",
		Short: "Run one tool",
		Long: `Run one tool through the permission rules. Tools that no rule allows are
confirmed interactively. Interrupting the command cancels the call.`,
		Args: cobra.ExactArgs(1),
		RunE: a.callAction,
	}
	cmd.Flags().String("args", "{}", "Tool arguments as a JSON object")
	cmd.Flags().Duration("timeout", 0, "Give up waiting after this long (default from configuration)")
	return cmd
}

func (a *App) callAction(cmd *cobra.Command, args []string) error {
	rawArgs, _ := cmd.Flags().GetString("args")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if !json.Valid([]byte(rawArgs)) {
		return fmt.Errorf("--args is not valid JSON: %s", rawArgs)
	}

	h, err := a.openHost(cmd.Context(), a.prompter())
	if err != nil {
		return err
	}
	defer h.Close()

	turn := h.coord.BeginTurn(cmd.Context())
	defer turn.End()
	result, err := turn.Invoke(args[0], json.RawMessage(rawArgs), timeout)
	if result != nil {
		printResult(cmd, result.Output)
		h.logger.WithFields(logrus.Fields{
			"invocation_id": result.InvocationID,
			"elapsed":       result.Elapsed.Round(time.Millisecond),
		}).Debug("call finished")
	}
	var toolErr *mcp.ToolExecutionError
	if errors.As(err, &toolErr) {
		return fmt.Errorf("tool %s reported an error", args[0])
	}
	return err
}

func printResult(cmd *cobra.Command, output *mcp.CallToolResult) {
	if output == nil {
		return
	}
	out := cmd.OutOrStdout()
	if text := output.Text(); text != "" {
		fmt.Fprintln(out, text)
	}
	if len(output.StructuredContent) > 0 {
		fmt.Fprintln(out, string(output.StructuredContent))
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *App) newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check SERVER/TOOL",
		Short: "Show the permission decision for a tool without running it",
		Args:  cobra.ExactArgs(1),
		RunE:  a.checkAction,
	}
}

func (a *App) checkAction(cmd *cobra.Command, args []string) error {
	h, err := a.openPermissions(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer h.Close()

	evaluation := h.engine.Evaluate(args[0])
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", evaluation.Decision, evaluation.Reason)
	return nil
}

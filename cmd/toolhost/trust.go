package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func (a *App) newTrustCommand() *cobra.Command {
	trust := &cobra.Command{
		Use:   "trust",
		Short: "Manage saved trust decisions",
	}
	trust.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List saved trust decisions",
			Args:  cobra.NoArgs,
			RunE:  a.trustListAction,
		},
		&cobra.Command{
			Use:   "revoke SERVER/TOOL",
			Short: "Forget the saved decision for a tool",
			Args:  cobra.ExactArgs(1),
			RunE:  a.trustRevokeAction,
		},
	)
	return trust
}

func (a *App) trustListAction(cmd *cobra.Command, _ []string) error {
	h, err := a.openPermissions(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer h.Close()

	decisions := h.engine.Decisions()
	if len(decisions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no trust decisions")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 4, 8, 4, ' ', 0)
	fmt.Fprintln(w, "TOOL\tEFFECT\tSCOPE\tDECIDED")
	for _, decision := range decisions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", decision.Tool, decision.Effect, decision.Scope, decision.DecidedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func (a *App) trustRevokeAction(cmd *cobra.Command, args []string) error {
	h, err := a.openPermissions(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.engine.Revoke(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
	return nil
}

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"goyais/toolhost/internal/agentcore/state"
)

func (a *App) newServersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Start every configured server and show its state",
		Args:  cobra.NoArgs,
		RunE:  a.serversAction,
	}
	cmd.Flags().Bool("ping", false, "Ping each ready server and show the round trip")
	return cmd
}

func (a *App) serversAction(cmd *cobra.Command, _ []string) error {
	ping, _ := cmd.Flags().GetBool("ping")
	h, err := a.openHost(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer h.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 4, 8, 4, ' ', 0)
	header := "NAME\tSTATE\tTOOLS\tPROMPTS\tFAILURES\tLAST ERROR"
	if ping {
		header += "\tPING"
	}
	fmt.Fprintln(w, header)
	for _, status := range h.registry.Status() {
		line := fmt.Sprintf("%s\t%s\t%d\t%d\t%d\t%s", status.Name, status.State, status.Tools, status.Prompts, status.Failures, status.LastError)
		if ping {
			line += "\t" + a.pingColumn(cmd, h, status.Name, status.State)
		}
		fmt.Fprintln(w, line)
	}
	for _, server := range h.cfg.Servers {
		if server.Disabled {
			line := fmt.Sprintf("%s\t%s\t-\t-\t-\t", server.Name, "disabled")
			if ping {
				line += "\t-"
			}
			fmt.Fprintln(w, line)
		}
	}
	return w.Flush()
}

func (a *App) pingColumn(cmd *cobra.Command, h *host, name string, current state.ConnState) string {
	if current != state.ConnStateReady {
		return "-"
	}
	elapsed, err := h.registry.Ping(cmd.Context(), name)
	if err != nil {
		h.logger.WithError(err).WithField("server", name).Warn("ping failed")
		return "failed"
	}
	return elapsed.Round(time.Microsecond).String()
}

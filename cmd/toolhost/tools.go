package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func (a *App) newToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools of every ready server",
		Args:  cobra.NoArgs,
		RunE:  a.toolsAction,
	}
	cmd.Flags().Bool("json", false, "Print descriptors as JSON")
	return cmd
}

func (a *App) toolsAction(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	h, err := a.openHost(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer h.Close()

	if asJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(h.catalog.List())
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 4, 8, 4, ' ', 0)
	fmt.Fprintln(w, "NAME\tALIAS\tHINTS\tDESCRIPTION")
	for desc := range h.catalog.All() {
		var hints []string
		if desc.ReadOnly {
			hints = append(hints, "read-only")
		}
		if desc.Destructive {
			hints = append(hints, "destructive")
		}
		hint := strings.Join(hints, ",")
		if hint == "" {
			hint = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", desc.Name, desc.Alias, hint, firstLine(desc.Description))
	}
	return w.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

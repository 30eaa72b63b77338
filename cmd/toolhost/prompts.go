package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func (a *App) newPromptsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "List and render the prompts offered by ready servers",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List the prompts of every ready server",
		Args:  cobra.NoArgs,
		RunE:  a.promptsListAction,
	}
	list.Flags().Bool("json", false, "Print prompts as JSON")
	get := &cobra.Command{
		Use:   "get SERVER/PROMPT|PROMPT [VALUE...]",
		Short: "Render one prompt",
		Long: `Render one prompt. Positional values fill the prompt's arguments in the
order the server declares them. A bare prompt name works when only one server
offers it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: a.promptsGetAction,
	}
	get.Flags().StringToString("arg", nil, "Set a named argument (repeatable, NAME=VALUE)")
	get.Flags().Bool("json", false, "Print the rendered messages as JSON")
	cmd.AddCommand(list, get)
	return cmd
}

type promptEntry struct {
	Server      string   `json:"server"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Arguments   []string `json:"arguments,omitempty"`
}

func (a *App) promptsListAction(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	h, err := a.openHost(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer h.Close()

	var entries []promptEntry
	for _, server := range h.registry.ReadyServers() {
		for _, prompt := range server.Prompts {
			entry := promptEntry{Server: server.Name, Name: prompt.Name, Description: prompt.Description}
			for _, arg := range prompt.Arguments {
				name := arg.Name
				if arg.Required {
					name += "*"
				}
				entry.Arguments = append(entry.Arguments, name)
			}
			entries = append(entries, entry)
		}
	}
	if asJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 4, 8, 4, ' ', 0)
	fmt.Fprintln(w, "NAME\tARGUMENTS\tDESCRIPTION")
	for _, entry := range entries {
		args := strings.Join(entry.Arguments, ",")
		if args == "" {
			args = "-"
		}
		fmt.Fprintf(w, "%s/%s\t%s\t%s\n", entry.Server, entry.Name, args, firstLine(entry.Description))
	}
	return w.Flush()
}

func (a *App) promptsGetAction(cmd *cobra.Command, args []string) error {
	named, _ := cmd.Flags().GetStringToString("arg")
	asJSON, _ := cmd.Flags().GetBool("json")
	h, err := a.openHost(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer h.Close()

	server, result, err := h.registry.GetPrompt(cmd.Context(), args[0], args[1:], named)
	if err != nil {
		return err
	}
	h.logger.WithField("server", server).WithField("messages", len(result.Messages)).Debug("prompt rendered")
	if asJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}
	if text := result.Text(); text != "" {
		fmt.Fprintln(cmd.OutOrStdout(), text)
	}
	return nil
}

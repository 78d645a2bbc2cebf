package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered backend",
	Long: `Lists backends from ~/.mcp-manager/backends.json in a markdown table,
showing each backend's command, auto-activate flag, and estimated token cost.
This reads the on-disk registry directly and does not require a gateway to
be running.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}

	summaries := reg.ListSummary()
	if len(summaries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No backends registered.")
		return nil
	}

	t := table.NewWriter()
	t.AppendHeader(table.Row{"Name", "Command", "Auto-Activate", "Est. Tokens", "Description"})
	for _, s := range summaries {
		t.AppendRow(table.Row{s.Name, s.Command, s.AutoActivate, s.EstimatedTokens, s.Description})
	}
	fmt.Fprintln(cmd.OutOrStdout(), t.RenderMarkdown())
	return nil
}

func init() {
	rootCmd.AddCommand(listCmd)
}

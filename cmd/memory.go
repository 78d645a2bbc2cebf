package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var memoryProject string

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Show installation history and learned preferences",
	Long: `Reads ~/.mcp-manager/memory.json and prints the installation history
for --project (or every project if omitted) alongside the preferences the
store has inferred from it (preferred install method, preferred clients,
common server combos).`,
	Args: cobra.NoArgs,
	RunE: runMemory,
}

func runMemory(cmd *cobra.Command, args []string) error {
	mem, err := openMemory()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	history := mem.GetInstallationHistory(memoryProject)
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Server", "Option", "Success", "Project", "Installed At"})
	for _, r := range history {
		t.AppendRow(table.Row{r.ServerName, r.OptionName, r.Success, r.ProjectPath, r.InstalledAt.Format("2006-01-02 15:04")})
	}
	fmt.Fprintln(out, t.RenderMarkdown())

	prefs := mem.GetPreferences()
	fmt.Fprintf(out, "\nPreferred install method: %s\n", prefs.PreferredInstallMethod)
	fmt.Fprintf(out, "Preferred clients:        %v\n", prefs.PreferredClients)
	fmt.Fprintf(out, "Common server combos:     %v\n", prefs.CommonServerCombos)
	return nil
}

func init() {
	rootCmd.AddCommand(memoryCmd)
	memoryCmd.Flags().StringVar(&memoryProject, "project", "", "Filter installation history to one project path")
}

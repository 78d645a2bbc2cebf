package cmd

import (
	"fmt"

	"mcpgate/internal/clientconfig"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var clientsSync bool

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "Detect installed MCP host clients and report configuration drift",
	Long: `Detects which supported host clients (Claude Desktop, Cursor, VS Code,
Windsurf, Zed, the CLI's own config) are installed, and for each server
already configured in any of those clients reports which clients have it
and which lack it. Pass --sync to copy each missing server entry into the
detected clients that lack it.`,
	Args: cobra.NoArgs,
	RunE: runClients,
}

func runClients(cmd *cobra.Command, args []string) error {
	mgr := clientconfig.New()
	detected := mgr.DetectClients()

	out := cmd.OutOrStdout()
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Client", "Installed", "Config Path", "Configured Servers"})
	for _, c := range detected {
		t.AppendRow(table.Row{c.Name, c.Installed, c.ConfigPath, len(c.ConfiguredServers)})
	}
	fmt.Fprintln(out, t.RenderMarkdown())

	result := mgr.SyncConfigurations(clientsSync)
	if len(result.Drift) > 0 {
		fmt.Fprintln(out)
		dt := table.NewWriter()
		dt.AppendHeader(table.Row{"Server", "Status"})
		for _, d := range result.Drift {
			dt.AppendRow(table.Row{d.Server, fmt.Sprintf("%v", d.Status)})
		}
		fmt.Fprintln(out, dt.RenderMarkdown())
	}
	if clientsSync {
		fmt.Fprintf(out, "\n%s: synced %d server(s)\n", result.Action, result.Synced)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(clientsCmd)
	clientsCmd.Flags().BoolVar(&clientsSync, "sync", false, "Write missing backend entries into every detected client's config")
}

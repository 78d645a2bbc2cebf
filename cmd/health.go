package cmd

import (
	"fmt"
	"os"
	"time"

	"mcpgate/internal/verifier"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var healthTimeout = verifier.DefaultTimeout

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Spot-check every registered backend's health",
	Long: `Briefly spawns every registered backend and performs the MCP
handshake, reporting per-backend latency and status in a markdown table.
Unlike verify, this checks every backend in one pass — useful as a daily
ecosystem sanity check.`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}

	s := spinner.New(spinner.CharSets[11], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " checking backend health..."
	s.Start()
	v := verifier.New(healthTimeout)
	result := v.CheckEcosystemHealth(cmd.Context(), reg.All())
	s.Stop()

	t := table.NewWriter()
	t.AppendHeader(table.Row{"Backend", "Status", "Latency (ms)", "Tools", "Error"})
	for _, r := range result.Servers {
		tools := "-"
		if r.ToolsCount != nil {
			tools = fmt.Sprintf("%d", *r.ToolsCount)
		}
		t.AppendRow(table.Row{r.Name, r.Status, r.LatencyMs, tools, r.Error})
	}
	fmt.Fprintln(cmd.OutOrStdout(), t.RenderMarkdown())
	fmt.Fprintf(cmd.OutOrStdout(), "\nChecked at %s\n", result.CheckedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", verifier.DefaultTimeout, "Timeout for each backend's health check")
}

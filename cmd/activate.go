package cmd

import (
	"fmt"

	"mcpgate/internal/clientconfig"
	"mcpgate/internal/gateway"
	"mcpgate/internal/orchestrator"
	"mcpgate/internal/verifier"

	"github.com/spf13/cobra"
)

var activateCmd = &cobra.Command{
	Use:   "activate <name>",
	Short: "Run one activation cycle for a registered backend outside the gateway",
	Long: `Drives the gateway's activation flow — start the backend, perform the
MCP handshake, discover its tools, self-heal on failure — without a
long-running gateway process attached. Useful for confirming a backend
activates cleanly before wiring it into a host client. The backend is
stopped again before this command exits.`,
	Args: cobra.ExactArgs(1),
	RunE: runActivate,
}

func runActivate(cmd *cobra.Command, args []string) error {
	name := args[0]

	reg, err := openRegistry()
	if err != nil {
		return err
	}
	mem, err := openMemory()
	if err != nil {
		return err
	}

	orch := orchestrator.New()
	gw := gateway.New(reg, orch, mem, verifier.New(verifier.DefaultTimeout), clientconfig.New())

	ctx := cmd.Context()
	defer orch.Shutdown(ctx)

	msg, err := gw.ActivateBackend(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)

	_, err = gw.DeactivateBackend(ctx, name)
	return err
}

func init() {
	rootCmd.AddCommand(activateCmd)
}

package cmd

import (
	"fmt"
	"time"

	"mcpgate/internal/verifier"

	"github.com/spf13/cobra"
)

var verifyTimeout time.Duration

var verifyCmd = &cobra.Command{
	Use:   "verify <name>",
	Short: "Spawn a registered backend once and smoke-test it",
	Long: `Looks up a registered backend, starts it as a transient probe process,
performs the MCP initialize handshake, lists its tools, and invokes one of
them (the simplest it finds, else the first) with placeholder arguments
built from its input schema. Reports the verdict
without leaving the process running or touching the gateway's own active
backend tracking.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	name := args[0]

	reg, err := openRegistry()
	if err != nil {
		return err
	}
	cfg, ok := reg.Get(name)
	if !ok {
		return fmt.Errorf("backend %q is not registered", name)
	}

	v := verifier.New(verifyTimeout)
	result := v.VerifyServer(cmd.Context(), name, cfg.Command, cfg.Args, cfg.Env)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Verdict: %s\n", result.Verdict)
	fmt.Fprintf(out, "Process started: %v\n", result.ProcessStarted)
	fmt.Fprintf(out, "Handshake ok:    %v\n", result.MCPHandshake)
	fmt.Fprintf(out, "Tools found:     %d\n", len(result.ToolsDiscovered))
	for _, name := range result.ToolsDiscovered {
		fmt.Fprintf(out, "  - %s\n", name)
	}
	if result.SmokeTest != nil {
		fmt.Fprintf(out, "Smoke test:      tool=%s result=%s\n", result.SmokeTest.Tool, result.SmokeTest.Result)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(out, "Error: %s\n", e)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().DurationVar(&verifyTimeout, "timeout", verifier.DefaultTimeout, "Timeout for each verification phase")
}

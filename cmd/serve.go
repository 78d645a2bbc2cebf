package cmd

import (
	"context"
	"fmt"

	"mcpgate/internal/app"

	"github.com/spf13/cobra"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveSilent discards all log output, leaving stdout free for the MCP
// wire protocol and nothing else — useful when a host client inspects
// stderr as part of its own framing.
var serveSilent bool

// serveConfigPath overrides the default ~/.mcp-manager configuration
// directory that holds config.yaml, the registry, and the memory store.
var serveConfigPath string

// serveCmd starts the gateway's stdio MCP server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway's MCP server on stdio",
	Long: `Starts the gateway as an MCP server speaking newline-delimited
JSON-RPC over stdin/stdout.

The gateway exposes a small set of fixed tools (activate_backend,
deactivate_backend, list_backends, context_budget, register_backend) plus
one proxy tool per tool exported by each currently active backend. Point a
host client's MCP server configuration at this command to get a single
aggregating endpoint instead of one process per backend.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := app.NewConfig(serveDebug, serveSilent, serveConfigPath)

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Serve(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&serveSilent, "silent", false, "Discard log output entirely")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Custom configuration directory (default ~/.mcp-manager)")
}

package cmd

import (
	"fmt"
	"strings"

	"mcpgate/internal/registry"

	"github.com/spf13/cobra"
)

var (
	registerArgs         []string
	registerEnv          []string
	registerAutoActivate bool
	registerDescription  string
	registerTokens       int
)

var registerCmd = &cobra.Command{
	Use:   "register <name> <command>",
	Short: "Register a backend MCP server in the local registry",
	Long: `Adds a backend to ~/.mcp-manager/backends.json so it can later be
activated through the gateway's activate_backend tool (or the activate
subcommand below). Registering a backend does not start it.`,
	Args: cobra.ExactArgs(2),
	RunE: runRegister,
}

func runRegister(cmd *cobra.Command, args []string) error {
	name, command := args[0], args[1]

	env := map[string]string{}
	for _, kv := range registerEnv {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --env %q, expected KEY=VALUE", kv)
		}
		env[k] = v
	}

	reg, err := openRegistry()
	if err != nil {
		return err
	}

	cfg := registry.BackendConfig{
		Command:         command,
		Args:            registerArgs,
		Env:             env,
		AutoActivate:    registerAutoActivate,
		Description:     registerDescription,
		EstimatedTokens: registerTokens,
	}
	reg.Add(name, cfg)
	if err := reg.Save(); err != nil {
		return fmt.Errorf("saving registry: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Registered backend %q (%s)\n", name, command)
	return nil
}

func init() {
	rootCmd.AddCommand(registerCmd)

	registerCmd.Flags().StringSliceVar(&registerArgs, "arg", nil, "Argument to pass to the backend command (repeatable)")
	registerCmd.Flags().StringSliceVar(&registerEnv, "env", nil, "KEY=VALUE environment variable for the backend (repeatable)")
	registerCmd.Flags().BoolVar(&registerAutoActivate, "auto-activate", false, "Activate this backend automatically on gateway startup")
	registerCmd.Flags().StringVar(&registerDescription, "description", "", "Human-readable description shown by list_backends")
	registerCmd.Flags().IntVar(&registerTokens, "estimated-tokens", 0, "Estimated context-window cost if activated (default 500)")
}

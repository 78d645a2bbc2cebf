package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newVersionCmd creates the Cobra command for displaying the application version.
//
// The gateway speaks stdio only, so unlike a client/server CLI there is no
// out-of-band channel to query a running instance's version from a second
// invocation — this only ever reports the CLI binary's own build version.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcpgate version %s\n", rootCmd.Version)
		},
	}
}

// File: cmd/version.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the application version.
// This value is intended to be set at build time using ldflags.
// Example: go build -ldflags "-X github.com/nullmap-sec/riskgraph/cmd.Version=1.0.0"
var Version = "0.7.0"

// newVersionCmd creates the `version` command, mirroring the --version flag
// for callers that expect a subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the riskgraph version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "riskgraph version %s\n", Version)
		},
	}
}

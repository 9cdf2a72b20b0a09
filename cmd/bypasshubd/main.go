// Command bypasshubd is the user-lifecycle control plane daemon, with a
// CLI surface for direct catalog/reconciliation operations layered onto the
// same root command: running it bare starts the daemon, any recognized
// subcommand runs once against the catalog and exits.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var debug bool

	root := &cobra.Command{
		Use:           "bypasshubd",
		Short:         "User-lifecycle control plane for the proxy and VPN data planes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, debug)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the TOML configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "show more log")

	root.AddCommand(
		newUserCommand(&configPath, &debug),
		newPlanCommand(&configPath, &debug),
		newReservedPlanCommand(&configPath, &debug),
		newInfoCommand(&configPath, &debug),
		newDatabaseCommand(&configPath, &debug),
	)
	return root
}

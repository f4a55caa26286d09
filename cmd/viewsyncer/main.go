// Command viewsyncer runs the View Syncer core: the serve subcommand boots
// the per-client-group orchestrator fleet and its operational HTTP surface,
// migrate applies the CVR store's schema.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "viewsyncer",
		Short: "View Syncer: per-client-group CVR sync core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults come from VIEWSYNCER_ env vars otherwise)")

	root.AddCommand(newServeCommand(), newMigrateCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

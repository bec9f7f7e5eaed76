package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sekia-ai/calhub/pkg/sockpath"
)

var (
	socketPath string

	// Version is set by the main package via ldflags.
	Version = "dev"
)

// NewRootCmd creates the root calhubctl command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "calhubctl",
		Short:        "calhub CLI: control the calhubd daemon",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", sockpath.DefaultSocketPath(), "calhubd Unix socket path")

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newAccountsCmd())
	rootCmd.AddCommand(newCalendarsCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(newRulesCmd())
	rootCmd.AddCommand(newActivityCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newSecretsCmd())

	return rootCmd
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/calhub/pkg/protocol"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage daemon configuration",
	}

	cmd.AddCommand(newConfigReloadCmd())

	return cmd
}

func newConfigReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Make calhubd re-read its config file",
		Long: `Re-reads the daemon's config file and applies the display timezone, the
default sync interval, the Google OAuth client and the copy rule schedule.
Other settings need a restart. calhubd also reloads on its own when the file
changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.ConfigReloadResponse
			if err := apiPost("/api/v1/config/reload", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("Config %s (timezone %s, default interval %s)\n",
				resp.Status, resp.DisplayTimezone, resp.DefaultInterval)
			return nil
		},
	}
}

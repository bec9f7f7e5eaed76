package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/calhub/pkg/protocol"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show calhubd status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.StatusResponse
			if err := apiGet("/api/v1/status", &resp); err != nil {
				return err
			}

			fmt.Printf("Status:       %s\n", resp.Status)
			fmt.Printf("Uptime:       %s\n", resp.Uptime)
			fmt.Printf("NATS Running: %v\n", resp.NATSRunning)
			fmt.Printf("Started At:   %s\n", resp.StartedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Timezone:     %s\n", resp.DisplayTimezone)
			fmt.Printf("Accounts:     %d\n", resp.AccountCount)
			fmt.Printf("Calendars:    %d\n", resp.CalendarCount)
			fmt.Printf("Events:       %d\n", resp.EventCount)
			fmt.Printf("Copy Rules:   %d\n", resp.RuleCount)

			if len(resp.Accounts) == 0 {
				return nil
			}
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tSTATE\tCALENDARS\tLAST SYNC\tERROR")
			for _, a := range resp.Accounts {
				state := a.State
				switch {
				case !a.Enabled:
					state = "disabled"
				case a.NeedsReauth:
					state = "needs reauth"
				}
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
					a.Name, state, a.EnabledCalendars, a.Calendars,
					orDash(a.LastSyncedAt), a.LastError)
			}
			return w.Flush()
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

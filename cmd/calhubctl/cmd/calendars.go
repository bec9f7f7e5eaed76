package cmd

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/calhub/pkg/protocol"
)

func newCalendarsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calendars",
		Aliases: []string{"cals"},
		Short:   "List and toggle cached calendars",
	}

	cmd.AddCommand(newCalendarsListCmd())
	cmd.AddCommand(newCalendarToggleCmd("enable"))
	cmd.AddCommand(newCalendarToggleCmd("disable"))

	return cmd
}

func newCalendarsListCmd() *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List calendars",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/calendars"
			if accountID != "" {
				path += "?account_id=" + url.QueryEscape(accountID)
			}
			var resp protocol.CalendarsResponse
			if err := apiGet(path, &resp); err != nil {
				return err
			}
			if len(resp.Calendars) == 0 {
				fmt.Println("No calendars cached. Sync an account first.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tACCOUNT\tENABLED\tLAST SYNC\tERROR")
			for _, c := range resp.Calendars {
				name := c.Name
				if c.Missing {
					name += " (missing)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
					c.ID, name, c.AccountID, c.Enabled, orDash(c.LastSyncedAt), c.LastError)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "only calendars of this account")
	return cmd
}

func newCalendarToggleCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: fmt.Sprintf("%s syncing of a calendar", capitalize(action)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cal protocol.CalendarInfo
			if err := apiPost("/api/v1/calendars/"+args[0]+"/"+action, nil, &cal); err != nil {
				return err
			}
			fmt.Printf("Calendar %q %sd.\n", cal.Name, action)
			return nil
		},
	}
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/calhub/pkg/protocol"
)

func newActivityCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show recent daemon events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.ActivityResponse
			if err := apiGet("/api/v1/activity?limit="+strconv.Itoa(limit), &resp); err != nil {
				return err
			}
			if len(resp.Events) == 0 {
				fmt.Println("No recent activity.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tSOURCE\tPAYLOAD")
			for _, ev := range resp.Events {
				payload, _ := json.Marshal(ev.Payload)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					time.Unix(ev.Timestamp, 0).Format("2006-01-02 15:04:05"),
					ev.Type, ev.Source, payload)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events")
	return cmd
}

package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/calhub/pkg/protocol"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "events",
		Aliases: []string{"event"},
		Short:   "List and edit events",
		Long: `Times are given and shown in the daemon's display timezone, as
"2006-01-02T15:04" or RFC 3339. All-day events use "2006-01-02".`,
	}

	cmd.AddCommand(newEventsListCmd())
	cmd.AddCommand(newEventsShowCmd())
	cmd.AddCommand(newEventsAddCmd())
	cmd.AddCommand(newEventsUpdateCmd())
	cmd.AddCommand(newEventsDeleteCmd())

	return cmd
}

func newEventsListCmd() *cobra.Command {
	var (
		calendarID, from, to string
		limit                int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached events",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if calendarID != "" {
				q.Set("calendar_id", calendarID)
			}
			if from != "" {
				q.Set("from", from)
			}
			if to != "" {
				q.Set("to", to)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/v1/events"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var resp protocol.EventsResponse
			if err := apiGet(path, &resp); err != nil {
				return err
			}
			if len(resp.Events) == 0 {
				fmt.Println("No events.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTART\tEND\tSUMMARY\tCALENDAR")
			for _, e := range resp.Events {
				summary := e.Summary
				if e.RRule != "" {
					summary += " (recurring)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Start, orDash(e.End), summary, e.CalendarID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&calendarID, "calendar", "", "only events of this calendar")
	cmd.Flags().StringVar(&from, "from", "", "events ending after this time")
	cmd.Flags().StringVar(&to, "to", "", "events starting before this time")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events")
	return cmd
}

func newEventsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var e protocol.EventInfo
			if err := apiGet("/api/v1/events/"+args[0], &e); err != nil {
				return err
			}
			fmt.Printf("Summary:     %s\n", e.Summary)
			fmt.Printf("Start:       %s\n", e.Start)
			fmt.Printf("End:         %s\n", orDash(e.End))
			fmt.Printf("All Day:     %v\n", e.AllDay)
			fmt.Printf("Calendar:    %s\n", e.CalendarID)
			if e.Location != "" {
				fmt.Printf("Location:    %s\n", e.Location)
			}
			if e.RRule != "" {
				fmt.Printf("Recurrence:  %s\n", e.RRule)
			}
			if e.Status != "" {
				fmt.Printf("Status:      %s\n", e.Status)
			}
			if e.Origin != "" {
				fmt.Printf("Copied From: %s\n", e.Origin)
			}
			if e.Description != "" {
				fmt.Printf("\n%s\n", e.Description)
			}
			return nil
		},
	}
}

type eventFlags struct {
	calendarID, summary, start, end      string
	location, description, rrule, status string
}

func (f *eventFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.summary, "summary", "", "title")
	fl.StringVar(&f.start, "start", "", "start time or date")
	fl.StringVar(&f.end, "end", "", "end time or date")
	fl.StringVar(&f.location, "location", "", "location")
	fl.StringVar(&f.description, "description", "", "description")
	fl.StringVar(&f.rrule, "rrule", "", `recurrence rule, e.g. "FREQ=WEEKLY;COUNT=4"`)
	fl.StringVar(&f.status, "status", "", "CONFIRMED, TENTATIVE or CANCELLED")
}

func (f *eventFlags) request(cmd *cobra.Command) protocol.EventRequest {
	fl := cmd.Flags()
	var req protocol.EventRequest
	set := func(flag string, dst **string, v string) {
		if fl.Changed(flag) {
			*dst = &v
		}
	}
	set("calendar", &req.CalendarID, f.calendarID)
	set("summary", &req.Summary, f.summary)
	set("start", &req.Start, f.start)
	set("end", &req.End, f.end)
	set("location", &req.Location, f.location)
	set("description", &req.Description, f.description)
	set("rrule", &req.RRule, f.rrule)
	set("status", &req.Status, f.status)
	return req
}

func newEventsAddCmd() *cobra.Command {
	var f eventFlags

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an event on the remote calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			var e protocol.EventInfo
			if err := apiPost("/api/v1/events", f.request(cmd), &e); err != nil {
				return err
			}
			fmt.Printf("Event created: %s\n", e.ID)
			return nil
		},
	}

	f.bind(cmd)
	cmd.Flags().StringVar(&f.calendarID, "calendar", "", "calendar ID")
	_ = cmd.MarkFlagRequired("calendar")
	_ = cmd.MarkFlagRequired("summary")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func newEventsUpdateCmd() *cobra.Command {
	var f eventFlags

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change an event on the remote calendar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var e protocol.EventInfo
			if err := apiPatch("/api/v1/events/"+args[0], f.request(cmd), &e); err != nil {
				return err
			}
			fmt.Printf("Event %q updated.\n", e.Summary)
			return nil
		},
	}

	f.bind(cmd)
	return cmd
}

func newEventsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm", "remove"},
		Short:   "Delete an event from the remote calendar",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiDelete("/api/v1/events/" + args[0]); err != nil {
				return err
			}
			fmt.Println("Event deleted.")
			return nil
		},
	}
}

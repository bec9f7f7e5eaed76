package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/calhub/pkg/protocol"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rules",
		Aliases: []string{"rule"},
		Short:   "Manage copy rules",
	}

	cmd.AddCommand(newRulesListCmd())
	cmd.AddCommand(newRulesAddCmd())
	cmd.AddCommand(newRulesUpdateCmd())
	cmd.AddCommand(newRulesRemoveCmd())
	cmd.AddCommand(newRulesRunCmd())

	return cmd
}

func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List copy rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.RulesResponse
			if err := apiGet("/api/v1/rules", &resp); err != nil {
				return err
			}
			if len(resp.Rules) == 0 {
				fmt.Println("No copy rules.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSOURCE\tDESTINATION\tENABLED\tLAST RUN\tERROR")
			for _, r := range resp.Rules {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\t%s\n",
					r.ID, orDash(r.Name), r.SourceCalendarID, r.DestinationCalendarID,
					r.Enabled, orDash(r.LastExecutedAt), r.LastError)
			}
			return w.Flush()
		},
	}
}

func newRulesAddCmd() *cobra.Command {
	var (
		name, source, dest string
		disabled           bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Copy every event of one calendar into another",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := protocol.RuleRequest{SourceCalendarID: source, DestinationCalendarID: dest}
			if name != "" {
				req.Name = &name
			}
			if disabled {
				enabled := false
				req.Enabled = &enabled
			}
			var rule protocol.RuleInfo
			if err := apiPost("/api/v1/rules", req, &rule); err != nil {
				return err
			}
			fmt.Printf("Copy rule created: %s\n", rule.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().StringVar(&source, "from", "", "source calendar ID")
	cmd.Flags().StringVar(&dest, "to", "", "destination calendar ID")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the rule disabled")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newRulesUpdateCmd() *cobra.Command {
	var (
		name    string
		enabled bool
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Rename, enable or disable a copy rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req protocol.RuleRequest
			if cmd.Flags().Changed("name") {
				req.Name = &name
			}
			if cmd.Flags().Changed("enabled") {
				req.Enabled = &enabled
			}
			var rule protocol.RuleInfo
			if err := apiPatch("/api/v1/rules/"+args[0], req, &rule); err != nil {
				return err
			}
			fmt.Printf("Copy rule %s updated (enabled: %v).\n", rule.ID, rule.Enabled)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "whether the rule runs")
	return cmd
}

func newRulesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a copy rule",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiDelete("/api/v1/rules/" + args[0]); err != nil {
				return err
			}
			fmt.Println("Copy rule removed.")
			return nil
		},
	}
}

func newRulesRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Execute a copy rule now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.ExecuteResponse
			if err := apiPost("/api/v1/rules/"+args[0]+"/execute", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("Created: %d  Updated: %d  Deleted: %d  Failed: %d\n",
				resp.Created, resp.Updated, resp.Deleted, resp.Failed)
			for _, e := range resp.Errors {
				fmt.Printf("  %s\n", e)
			}
			return nil
		},
	}
}

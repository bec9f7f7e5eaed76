package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/calhub/pkg/protocol"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"account"},
		Short:   "Manage calendar accounts",
	}

	cmd.AddCommand(newAccountsListCmd())
	cmd.AddCommand(newAccountsAddCmd())
	cmd.AddCommand(newAccountsUpdateCmd())
	cmd.AddCommand(newAccountsRemoveCmd())
	cmd.AddCommand(newAccountToggleCmd("enable"))
	cmd.AddCommand(newAccountToggleCmd("disable"))
	cmd.AddCommand(newAccountsSyncCmd())
	cmd.AddCommand(newAccountsTestCmd())

	return cmd
}

func newAccountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.AccountsResponse
			if err := apiGet("/api/v1/accounts", &resp); err != nil {
				return err
			}
			if len(resp.Accounts) == 0 {
				fmt.Println("No accounts configured.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tAUTH\tENABLED\tINTERVAL\tLAST SYNC\tERROR")
			for _, a := range resp.Accounts {
				errMsg := a.LastError
				if a.NeedsReauth {
					errMsg = "needs reauth: " + errMsg
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\t%s\n",
					a.ID, a.Name, a.AuthKind, a.Enabled,
					orDash(a.SyncInterval), orDash(a.LastSyncedAt), errMsg)
			}
			return w.Flush()
		},
	}
}

// accountFlags binds the writable account fields. Only flags the user set
// end up in the request.
type accountFlags struct {
	name, serverURL, authKind, username, secret string
	clientID, clientSecret, interval            string
	disabled                                    bool
}

func (f *accountFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.name, "name", "", "display name")
	fl.StringVar(&f.serverURL, "server", "", "CalDAV server URL")
	fl.StringVar(&f.username, "username", "", "CalDAV username")
	fl.StringVar(&f.secret, "password", "", "CalDAV password or app password")
	fl.StringVar(&f.clientID, "client-id", "", "per-account OAuth client ID")
	fl.StringVar(&f.clientSecret, "client-secret", "", "per-account OAuth client secret")
	fl.StringVar(&f.interval, "interval", "", `sync interval, e.g. "30m" ("0" uses the default)`)
}

func (f *accountFlags) request(cmd *cobra.Command) protocol.AccountRequest {
	fl := cmd.Flags()
	var req protocol.AccountRequest
	set := func(flag string, dst **string, v string) {
		if fl.Changed(flag) {
			*dst = &v
		}
	}
	set("name", &req.Name, f.name)
	set("server", &req.ServerURL, f.serverURL)
	set("auth", &req.AuthKind, f.authKind)
	set("username", &req.Username, f.username)
	set("password", &req.Secret, f.secret)
	set("client-id", &req.OAuthClientID, f.clientID)
	set("client-secret", &req.OAuthClientSecret, f.clientSecret)
	set("interval", &req.SyncInterval, f.interval)
	if fl.Changed("disabled") {
		enabled := !f.disabled
		req.Enabled = &enabled
	}
	return req
}

func newAccountsAddCmd() *cobra.Command {
	var f accountFlags

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a CalDAV or Google account",
		Long: `Adds an account. CalDAV accounts need --server, --username and --password.
Google accounts are added with 'calhubd authorize --name <name>', which runs
the consent flow and creates the account with its tokens.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var acct protocol.AccountInfo
			if err := apiPost("/api/v1/accounts", f.request(cmd), &acct); err != nil {
				return err
			}
			fmt.Printf("Account %q created: %s\n", acct.Name, acct.ID)
			return nil
		},
	}

	f.bind(cmd)
	cmd.Flags().StringVar(&f.authKind, "auth", "basic", "auth kind: basic or oauth")
	cmd.Flags().BoolVar(&f.disabled, "disabled", false, "create the account disabled")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newAccountsUpdateCmd() *cobra.Command {
	var f accountFlags

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change account settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var acct protocol.AccountInfo
			if err := apiPatch("/api/v1/accounts/"+args[0], f.request(cmd), &acct); err != nil {
				return err
			}
			fmt.Printf("Account %q updated.\n", acct.Name)
			return nil
		},
	}

	f.bind(cmd)
	return cmd
}

func newAccountsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove an account and its cached calendars",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiDelete("/api/v1/accounts/" + args[0]); err != nil {
				return err
			}
			fmt.Println("Account removed.")
			return nil
		},
	}
}

func newAccountToggleCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: fmt.Sprintf("%s syncing of an account", capitalize(action)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var acct protocol.AccountInfo
			if err := apiPost("/api/v1/accounts/"+args[0]+"/"+action, nil, &acct); err != nil {
				return err
			}
			fmt.Printf("Account %q %sd.\n", acct.Name, action)
			return nil
		},
	}
}

func newAccountsSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <id>",
		Short: "Sync an account now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.SyncResponse
			if err := apiPost("/api/v1/accounts/"+args[0]+"/sync", nil, &resp); err != nil {
				return err
			}
			if resp.Skipped {
				fmt.Println("Sync skipped: account is disabled or already syncing.")
				return nil
			}
			fmt.Printf("State:     %s\n", resp.State)
			fmt.Printf("Calendars: %d (%d failed)\n", resp.Calendars, resp.Failed)
			fmt.Printf("Events:    +%d ~%d -%d\n", resp.Inserted, resp.Updated, resp.Deleted)
			if resp.LastError != "" {
				fmt.Printf("Error:     %s\n", resp.LastError)
			}
			return nil
		},
	}
}

func newAccountsTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <id>",
		Short: "Check that an account can log in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.TestConnectionResponse
			if err := apiPost("/api/v1/accounts/"+args[0]+"/test", nil, &resp); err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("connection failed: %s", resp.Error)
			}
			fmt.Printf("Connection OK, %d calendars visible.\n", resp.Calendars)
			return nil
		},
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

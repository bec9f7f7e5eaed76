package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/sekia-ai/calhub/internal/credentials"
	"github.com/sekia-ai/calhub/internal/server"
	"github.com/sekia-ai/calhub/pkg/protocol"
)

func newAuthorizeCmd(cfgFile *string) *cobra.Command {
	var (
		accountID, name        string
		clientID, clientSecret string
		noBrowser              bool
	)

	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Authorize a Google account through the browser",
		Long: `Runs the Google consent flow on a localhost redirect and hands the tokens
to the running daemon. With --name a new Google account is created; with
--account the tokens of an existing one are replaced, which also clears its
needs-reauth flag.

The OAuth client comes from --client-id/--client-secret or from google.client_id
and google.client_secret in the config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (accountID == "") == (name == "") {
				return errors.New("pass exactly one of --account or --name")
			}

			cfg, err := server.LoadConfig(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			d := daemonClient{socket: cfg.Server.Socket}

			ownClient := cmd.Flags().Changed("client-id")
			if !ownClient {
				clientID, clientSecret = cfg.Google.ClientID, cfg.Google.ClientSecret
			}
			if accountID != "" && !ownClient {
				var acct protocol.AccountInfo
				if err := d.call(http.MethodGet, "/api/v1/accounts/"+accountID, nil, &acct); err != nil {
					return err
				}
				if acct.AuthKind != "oauth" {
					return fmt.Errorf("account %q uses %s auth", acct.Name, acct.AuthKind)
				}
				if acct.OAuthClientID != "" && acct.OAuthClientID != clientID {
					return fmt.Errorf("account %q has its own OAuth client; pass --client-id and --client-secret", acct.Name)
				}
			}
			if clientID == "" {
				return errors.New("no OAuth client; set google.client_id or pass --client-id")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			flow := credentials.AuthFlow{
				Config: &oauth2.Config{
					ClientID:     clientID,
					ClientSecret: clientSecret,
					Endpoint:     google.Endpoint,
					Scopes:       credentials.Scopes,
				},
				Out:         os.Stdout,
				OpenBrowser: !noBrowser,
			}
			tok, err := flow.Run(ctx)
			if err != nil {
				return err
			}
			if name != "" && tok.RefreshToken == "" {
				return errors.New("google returned no refresh token; revoke calhub's access in your Google account and retry")
			}

			req := protocol.AccountRequest{AccessToken: &tok.AccessToken}
			if tok.RefreshToken != "" {
				req.RefreshToken = &tok.RefreshToken
			}
			if ownClient {
				req.OAuthClientID = &clientID
				req.OAuthClientSecret = &clientSecret
			}

			var acct protocol.AccountInfo
			if name != "" {
				kind := "oauth"
				req.Name = &name
				req.AuthKind = &kind
				err = d.call(http.MethodPost, "/api/v1/accounts", req, &acct)
			} else {
				err = d.call(http.MethodPatch, "/api/v1/accounts/"+accountID, req, &acct)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Account %q authorized (%s).\n", acct.Name, acct.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "existing account ID to re-authorize")
	cmd.Flags().StringVar(&name, "name", "", "name of a new Google account")
	cmd.Flags().StringVar(&clientID, "client-id", "", "OAuth client ID stored on the account")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "OAuth client secret stored on the account")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the consent URL without opening a browser")
	return cmd
}

// daemonClient talks to a running calhubd over its Unix socket.
type daemonClient struct {
	socket string
}

func (d daemonClient) call(method, path string, body, dest any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, "http://calhubd"+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", d.socket)
		},
	}}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calhubd must be running to store tokens: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e protocol.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return errors.New(e.Error)
		}
		return fmt.Errorf("calhubd returned HTTP %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

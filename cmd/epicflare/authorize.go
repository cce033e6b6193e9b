package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"epicflare/internal/loopback"
)

func newAuthorizeCmd() *cobra.Command {
	var opts loopback.Options

	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Obtain an access token through the browser using a loopback redirect",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Open = func(authURL string) error {
				_, err := fmt.Fprintf(cmd.ErrOrStderr(), "Open this URL in your browser to continue:\n\n  %s\n\n", authURL)
				return err
			}

			result, err := loopback.Authorize(cmd.Context(), opts)
			if err != nil {
				return err
			}

			out := map[string]any{
				"client_id":    result.ClientID,
				"access_token": result.Token.AccessToken,
				"token_type":   result.Token.TokenType,
			}
			if result.Token.RefreshToken != "" {
				out["refresh_token"] = result.Token.RefreshToken
			}
			if !result.Token.Expiry.IsZero() {
				out["expiry"] = result.Token.Expiry.UTC().Format(time.RFC3339)
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(out)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Server, "server", "http://localhost:8080", "origin of the epicflare server")
	flags.StringVar(&opts.ClientID, "client-id", "", "pre-registered public client id (skips dynamic registration)")
	flags.StringVar(&opts.ClientName, "client-name", "epicflare cli", "client name shown on the consent page")
	flags.StringSliceVar(&opts.Scopes, "scope", []string{"profile", "email"}, "scopes to request")
	flags.StringVar(&opts.Resource, "resource", "", "resource indicator (defaults to <server>/mcp)")
	flags.IntVar(&opts.Port, "port", 0, "loopback callback port (0 picks a free port)")
	flags.DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "how long to wait for the browser callback")
	return cmd
}

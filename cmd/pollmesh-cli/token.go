package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/pollmesh-go/internal/devserver"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/pollmesh"
)

func newTokenCommand() *cobra.Command {
	var (
		secret   string
		channels []string
		groups   []string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development server access grant",
		Long: `Mint a grant token for a development server started with --secret. Pass the
token to other commands with --auth. Names ending in "*" grant every name
with that prefix.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("POLLMESH_DEVSERVER_SECRET")
			}
			if secret == "" {
				return errors.New("--secret is required")
			}

			grants, err := devserver.NewGrants(secret)
			if err != nil {
				return err
			}
			token, expiresAt, err := grants.Issue(uuid, channels, groups, ttl)
			if err != nil {
				return fmt.Errorf("failed to mint grant: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Development server grant secret")
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "Channel to grant (repeatable)")
	cmd.Flags().StringSliceVar(&groups, "group", nil, "Channel group to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", devserver.DefaultGrantTTL, "Grant lifetime")

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pollmesh-cli %s (%s)\n", pollmesh.Version, pollmesh.SDK)
		},
	}
}

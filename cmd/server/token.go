package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/preiposip/fincore/api"
)

func newTokenCmd(flags *rootFlags) *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with jwt.secret",
		Example: `  server token --user ops-1 --role admin
  server token --user user-42 --ttl 15m`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := flags.load()
			if err != nil {
				return err
			}
			if userID == "" {
				return errors.New("--user is required")
			}
			auth, err := api.NewAuthenticator([]byte(cfg.JWT.Secret))
			if err != nil {
				return err
			}
			tok, err := auth.IssueToken(userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "subject user id")
	cmd.Flags().StringVar(&role, "role", api.RoleUser, "user or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

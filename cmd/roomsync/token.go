package main

import (
	"errors"
	"fmt"

	"github.com/roomsync/roomsync/internal/auth"
	"github.com/spf13/cobra"
)

func newTokenCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token <address>",
		Short: "Sign a join token for an address with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if len(cfg.JWT.Secret) == 0 {
				return errors.New("JWT_SECRET is required to sign tokens")
			}
			token, err := auth.NewService(cfg.JWT.Secret, cfg.JWT.ExpiresIn).IssueToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tasksync/internal/auth"
	"tasksync/internal/config"
)

func tokenCmd() *cobra.Command {
	var (
		userID string
		name   string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a credential signed with TASKSYNC_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.Mint([]byte(cfg.JWTSecret), userID, name, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id (required)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Display name (required)")
	cmd.Flags().StringVarP(&role, "role", "r", "member", "Role (guest, member, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Credential lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

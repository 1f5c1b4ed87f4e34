package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gosuda/parley/internal/auth"
	"github.com/gosuda/parley/internal/server/middleware"
)

func newTokenCmd() *cobra.Command {
	var tenant, user, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch role {
			case middleware.RoleAdmin, middleware.RoleMember, middleware.RoleViewer:
			default:
				return fmt.Errorf("--role must be admin, member or viewer, got %q", role)
			}

			tenantID := uuid.New()
			if tenant != "" {
				id, err := uuid.Parse(tenant)
				if err != nil {
					return fmt.Errorf("--tenant: %w", err)
				}
				tenantID = id
			}
			userID := uuid.New()
			if user != "" {
				id, err := uuid.Parse(user)
				if err != nil {
					return fmt.Errorf("--user: %w", err)
				}
				userID = id
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.JWT.AccessTTL
			}

			tok, err := auth.IssueAccessToken(cfg.JWT.Secret, tenantID, userID, role, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "tenant=%s user=%s role=%s\n%s\n", tenantID, userID, role, tok)
			return err
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (random when empty)")
	cmd.Flags().StringVar(&user, "user", "", "user ID (random when empty)")
	cmd.Flags().StringVar(&role, "role", middleware.RoleMember, "admin, member or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to PARLEY_JWT_ACCESS_TTL)")
	return cmd
}

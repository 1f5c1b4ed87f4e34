package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gosuda/parley/internal/domain"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
	}
	cmd.AddCommand(newSessionCreateCmd())
	return cmd
}

func newSessionCreateCmd() *cobra.Command {
	var tenant, user, title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session in PostgreSQL and print it as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenantID, err := uuid.Parse(tenant)
			if err != nil {
				return fmt.Errorf("--tenant: %w", err)
			}
			userID, err := uuid.Parse(user)
			if err != nil {
				return fmt.Errorf("--user: %w", err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openPostgres(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			s := &domain.Session{
				ID:        uuid.New(),
				TenantID:  tenantID,
				UserID:    userID,
				Title:     title,
				CreatedAt: time.Now(),
			}
			if err := st.Sessions().Create(cmd.Context(), s); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (required)")
	cmd.Flags().StringVar(&user, "user", "", "owning user ID (required)")
	cmd.Flags().StringVar(&title, "title", "", "session title")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

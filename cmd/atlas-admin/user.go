package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/infrastructure/identity"
	"github.com/turtacn/atlas/internal/infrastructure/postgres"
	"github.com/turtacn/atlas/pkg/utils"
)

// adminRepo opens the account store; tests replace it.
var adminRepo = func(ctx context.Context, opts *rootOptions) (*postgres.SubjectAdminRepository, error) {
	cfg, log, err := opts.load()
	if err != nil {
		return nil, err
	}
	db, err := postgres.OpenGorm(&cfg.Database)
	if err != nil {
		return nil, err
	}
	repo := postgres.NewSubjectAdminRepository(db, log)
	if err := repo.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return repo, nil
}

func newUserCmd(opts *rootOptions) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}

	var nu postgres.NewUser
	var password string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an active account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := struct {
				Username string `validate:"required,min=3,max=64,username"`
				Password string `validate:"required,min=8"`
				Email    string `validate:"omitempty,email"`
			}{nu.Username, password, nu.Email}
			if verr := utils.ValidateStruct(in); verr != nil {
				return verr
			}
			hash, err := identity.HashPassword(password)
			if err != nil {
				return err
			}
			nu.PasswordHash = hash
			repo, err := adminRepo(cmd.Context(), opts)
			if err != nil {
				return err
			}
			s, err := repo.CreateUser(cmd.Context(), nu)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id %d)\n", s.Username, s.UserID)
			return nil
		},
	}
	create.Flags().StringVar(&nu.Username, "username", "", "login name")
	create.Flags().StringVar(&password, "password", "", "initial password")
	create.Flags().StringVar(&nu.Nickname, "nickname", "", "display name")
	create.Flags().StringVar(&nu.Email, "email", "", "email address")
	create.Flags().StringVar(&nu.Phone, "phone", "", "phone number")

	var username, status string
	setStatus := &cobra.Command{
		Use:   "status",
		Short: "Set the status of an account (ACTIVE, INACTIVE, LOCKED, DELETED)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := models.SubjectStatus(strings.ToUpper(status))
			if !st.IsValid() {
				return fmt.Errorf("unknown status %q", status)
			}
			repo, err := adminRepo(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := repo.SetStatus(cmd.Context(), username, st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s is now %s\n", username, st)
			return nil
		},
	}
	setStatus.Flags().StringVar(&username, "username", "", "login name")
	setStatus.Flags().StringVar(&status, "status", "", "new status")

	var grantUser, role string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if grantUser == "" || role == "" {
				return fmt.Errorf("--username and --role are required")
			}
			repo, err := adminRepo(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := repo.GrantRole(cmd.Context(), grantUser, role); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %s to %s\n", role, grantUser)
			return nil
		},
	}
	grant.Flags().StringVar(&grantUser, "username", "", "login name")
	grant.Flags().StringVar(&role, "role", "", "role name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := adminRepo(cmd.Context(), opts)
			if err != nil {
				return err
			}
			users, err := repo.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERNAME\tSTATUS\tEMAIL")
			for _, u := range users {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", u.UserID, u.Username, u.Status, u.Email)
			}
			return w.Flush()
		},
	}

	userCmd.AddCommand(create, setStatus, grant, list)
	return userCmd
}

func newRoleCmd(opts *rootOptions) *cobra.Command {
	roleCmd := &cobra.Command{
		Use:   "role",
		Short: "Manage role permissions",
	}
	var role, permission string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant a permission to a role",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if role == "" || permission == "" {
				return fmt.Errorf("--role and --permission are required")
			}
			repo, err := adminRepo(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := repo.GrantPermission(cmd.Context(), role, permission); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %s to role %s\n", permission, role)
			return nil
		},
	}
	grant.Flags().StringVar(&role, "role", "", "role name")
	grant.Flags().StringVar(&permission, "permission", "", "permission name")
	roleCmd.AddCommand(grant)
	return roleCmd
}

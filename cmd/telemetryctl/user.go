package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/upb/agent-telemetry/app"
	"github.com/upb/agent-telemetry/models"
)

// passwordEnv is read when --password is not given, keeping secrets out of shell history
const passwordEnv = "TELEMETRY_PASSWORD"

func newUserCmd(open opener) *cobra.Command {
	user := &cobra.Command{
		Use:     "user",
		Aliases: []string{"users"},
		Short:   "Manage user accounts",
	}

	user.AddCommand(newUserAddCmd(open))
	user.AddCommand(newUserPasswdCmd(open))
	user.AddCommand(newUserDisableCmd(open))
	user.AddCommand(newUserListCmd(open))
	return user
}

func newUserAddCmd(open opener) *cobra.Command {
	var role, password string

	cmd := &cobra.Command{
		Use:   "add <email>",
		Short: "Create a user",
		Example: `  # Create an admin, reading the password from the environment
  TELEMETRY_PASSWORD=... telemetryctl user add ops@example.com --role admin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plain, err := resolvePassword(password)
			if err != nil {
				return err
			}
			parsed, err := models.ParseUserRole(role)
			if err != nil {
				return err
			}

			return withDependencies(cmd, open, func(ctx context.Context, deps *app.Dependencies) error {
				u, err := deps.Auth.Register(ctx, args[0], plain, parsed)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", u.Email, u.Role)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&role, "role", string(models.RoleStandard), "role to grant: admin or standard")
	cmd.Flags().StringVar(&password, "password", "", "initial password (default $"+passwordEnv+")")
	return cmd
}

func newUserPasswdCmd(open opener) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "passwd <email>",
		Short: "Replace a user's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plain, err := resolvePassword(password)
			if err != nil {
				return err
			}
			return withDependencies(cmd, open, func(ctx context.Context, deps *app.Dependencies) error {
				if err := deps.Auth.ChangePassword(ctx, args[0], plain); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "password updated for %s\n", models.NormalizeEmail(args[0]))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "new password (default $"+passwordEnv+")")
	return cmd
}

func newUserDisableCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <email>",
		Short: "Disable a user so it can no longer log in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDependencies(cmd, open, func(ctx context.Context, deps *app.Dependencies) error {
				if err := deps.Auth.Disable(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "disabled %s\n", models.NormalizeEmail(args[0]))
				return nil
			})
		},
	}
}

func newUserListCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List user accounts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDependencies(cmd, open, func(ctx context.Context, deps *app.Dependencies) error {
				users, err := deps.Auth.Users(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				defer w.Flush()
				fmt.Fprintln(w, "EMAIL\tROLE\tCREATED\tSTATUS")
				for _, u := range users {
					status := "active"
					if u.DisabledAt != nil {
						status = "disabled"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.Email, u.Role, u.CreatedAt.Format(time.RFC3339), status)
				}
				return nil
			})
		},
	}
}

func resolvePassword(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv(passwordEnv); env != "" {
		return env, nil
	}
	return "", errors.New("a password is required: pass --password or set " + passwordEnv)
}

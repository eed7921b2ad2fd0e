package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/upb/agent-telemetry/app"
)

func newSchemaCmd(open opener) *cobra.Command {
	schema := &cobra.Command{
		Use:   "schema",
		Short: "Manage the PostgreSQL schema",
	}

	schema.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create tables and indexes if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDependencies(cmd, open, func(ctx context.Context, deps *app.Dependencies) error {
				if deps.RepoFactory == nil {
					return errors.New("schema init requires STORAGE_BACKEND=postgres")
				}
				if err := deps.RepoFactory.InitSchema(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema initialized")
				return nil
			})
		},
	})

	return schema
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PaulFidika/entitlesync/config"
	"github.com/PaulFidika/entitlesync/jobs"
	"github.com/PaulFidika/entitlesync/logging"
	migrations "github.com/PaulFidika/entitlesync/migrations/postgres"
)

var errNoPostgres = errors.New("DATABASE_URL is not set; the sqlite store creates its schema on open")

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations, including the job queue schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPostgres(cmd.Context(), func(ctx context.Context, b *backend, log logrus.FieldLogger) error {
			return migrateUp(ctx, b, log)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration group",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPostgres(cmd.Context(), func(ctx context.Context, b *backend, log logrus.FieldLogger) error {
			r := migrations.NewRunner(b.pg.Pool(), log)
			defer r.Close()
			return r.Down(ctx)
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations not yet applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPostgres(cmd.Context(), func(ctx context.Context, b *backend, log logrus.FieldLogger) error {
			r := migrations.NewRunner(b.pg.Pool(), log)
			defer r.Close()
			pending, err := r.Pending(ctx)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			}
			for _, name := range pending {
				fmt.Fprintf(cmd.OutOrStdout(), "pending: %s\n", name)
			}
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
}

func withPostgres(ctx context.Context, fn func(context.Context, *backend, logrus.FieldLogger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.UsePostgres() {
		return errNoPostgres
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b, log)
}

func migrateUp(ctx context.Context, b *backend, log logrus.FieldLogger) error {
	r := migrations.NewRunner(b.pg.Pool(), log)
	defer r.Close()
	if err := r.Up(ctx); err != nil {
		return err
	}
	return jobs.MigrateQueue(ctx, b.pg.Pool(), log)
}

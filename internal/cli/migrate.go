package cli

import (
	"io"
	"strings"

	"github.com/spf13/cobra"

	"temerio/api/internal/store"
)

// NewMigrateCommand groups the schema migration commands.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or inspect schema migrations",
	}
	cmd.AddCommand(newMigrateUpCommand(opts))
	cmd.AddCommand(newMigrateDownCommand(opts))
	cmd.AddCommand(newMigrateStatusCommand(opts))
	return cmd
}

func newMigrateUpCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(cmd.Context(), opts.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := store.ApplyMigrations(cmd.Context(), db, opts.MigrationsDir)
			if err != nil {
				return err
			}
			p := newPrinter(opts, cmd.OutOrStdout())
			return p.emit(map[string]any{"applied": applied}, func(w io.Writer) {
				if len(applied) == 0 {
					p.line(w, "schema is up to date")
					return
				}
				p.line(w, "applied %s", strings.Join(applied, ", "))
			})
		},
	}
}

func newMigrateDownCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(cmd.Context(), opts.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			version, err := store.RollbackLast(cmd.Context(), db, opts.MigrationsDir)
			if err != nil {
				return err
			}
			p := newPrinter(opts, cmd.OutOrStdout())
			return p.emit(map[string]any{"rolledBack": version}, func(w io.Writer) {
				if version == "" {
					p.line(w, "nothing to roll back")
					return
				}
				p.line(w, "rolled back %s", version)
			})
		},
	}
}

func newMigrateStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(cmd.Context(), opts.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			migrations, err := store.MigrationStatus(cmd.Context(), db, opts.MigrationsDir)
			if err != nil {
				return err
			}
			p := newPrinter(opts, cmd.OutOrStdout())
			return p.emit(migrations, func(w io.Writer) {
				for _, m := range migrations {
					state := "pending"
					if m.Applied {
						state = "applied"
					}
					p.line(w, "%s  %s", m.Version, state)
				}
			})
		},
	}
}

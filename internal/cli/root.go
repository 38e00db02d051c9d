package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"temerio/api/internal/activity"
	"temerio/api/internal/clock"
	"temerio/api/internal/config"
	"temerio/api/internal/merge"
	"temerio/api/internal/store"
)

// RootOptions holds global flags and the backends commands run against.
type RootOptions struct {
	DatabaseURL   string
	MigrationsDir string
	Format        string // "json" | "text"

	openRoles  func(ctx context.Context, databaseURL string) (RoleStore, func() error, error)
	openMerges func(ctx context.Context, databaseURL string) (MergeUndoer, func() error, error)
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the temerioctl root command backed by Postgres.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{
		openRoles:  openPostgresRoles,
		openMerges: openPostgresMerges,
	})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cfg := config.Load()

	cmd := &cobra.Command{
		Use:   "temerioctl",
		Short: "Temerio operator tool",
		Long:  "Operator commands for the Temerio API: schema migrations, role grants, merge repair and search reindexing.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres connection string")
	cmd.PersistentFlags().StringVar(&opts.MigrationsDir, "migrations", cfg.MigrationsDir, "directory with *.up.sql and *.down.sql files")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewRolesCommand(opts))
	cmd.AddCommand(NewMergesCommand(opts))
	cmd.AddCommand(NewSearchCommand(opts, cfg))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func openPostgresRoles(ctx context.Context, databaseURL string) (RoleStore, func() error, error) {
	db, err := store.Open(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(db), db.Close, nil
}

// openPostgresMerges wires the undo service with an activity logger that is
// flushed on close, so CLI undos land in the same audit trail as API undos.
func openPostgresMerges(ctx context.Context, databaseURL string) (MergeUndoer, func() error, error) {
	db, err := store.Open(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgresStore(db)
	logger := activity.NewLogger(pg, clock.Real{}, 0)
	svc := merge.NewService(pg, clock.Real{}, logger, nil)
	closer := func() error {
		logger.Close(context.Background())
		return db.Close()
	}
	return svc, closer, nil
}

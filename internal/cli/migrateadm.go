package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lherron/ingest/internal/cli/appctx"
	"github.com/lherron/ingest/internal/db"
)

type migrateOptions struct {
	dryRun bool
	status bool
}

func newMigrateAdmCmd() *cobra.Command {
	var o migrateOptions
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run any pending database migrations",
		Long: `Migrate applies any pending SQL migrations to the database.

Migrations are embedded in the binary and tracked via the schema_migrations
table. Each migration file is applied exactly once, so the command is safe
to run multiple times.

Use --dry-run to see which migrations would be applied without running them.
Use --status to show the current migration status.`,
		Args: cobra.NoArgs,
		RunE: appctx.WithApp(appctx.Options{}, func(app *appctx.App, cmd *cobra.Command, args []string) error {
			return runMigrateAdm(app, cmd, o)
		}),
	}
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "Show which migrations would be applied without running them")
	cmd.Flags().BoolVar(&o.status, "status", false, "Show current migration status")
	return cmd
}

func runMigrateAdm(app *appctx.App, cmd *cobra.Command, o migrateOptions) error {
	if app.Config.DBPath == "" {
		return usageError("database path not specified (use --db flag or set INGEST_DB_PATH)")
	}

	database, err := db.Open(app.Config.DBPath)
	if err != nil {
		return exitError(ExitError, fmt.Errorf("failed to open database: %w", err))
	}
	defer database.Close()

	out := cmd.OutOrStdout()
	if o.status {
		return showMigrationStatus(out, database)
	}
	if o.dryRun {
		return showPendingMigrations(out, database)
	}

	applied, err := database.MigrateWithInfo()
	if err != nil {
		return exitError(ExitError, fmt.Errorf("failed to run migrations: %w", err))
	}

	if len(applied) == 0 {
		fmt.Fprintln(out, "Database is up to date. No migrations to apply.")
		return nil
	}
	for _, m := range applied {
		fmt.Fprintf(out, "✓ Applied migration: %s\n", m)
	}
	fmt.Fprintf(out, "\nApplied %d migration(s).\n", len(applied))
	return nil
}

func showMigrationStatus(out io.Writer, database *db.DB) error {
	applied, pending, err := database.MigrationStatus()
	if err != nil {
		return exitError(ExitError, fmt.Errorf("failed to get migration status: %w", err))
	}

	if len(applied) == 0 && len(pending) == 0 {
		fmt.Fprintln(out, "No migrations found.")
		return nil
	}

	if len(applied) > 0 {
		fmt.Fprintln(out, "Applied migrations:")
		for _, m := range applied {
			fmt.Fprintf(out, "  ✓ %s\n", m)
		}
	}

	if len(pending) > 0 {
		if len(applied) > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, "Pending migrations:")
		for _, m := range pending {
			fmt.Fprintf(out, "  ○ %s\n", m)
		}
	}
	return nil
}

func showPendingMigrations(out io.Writer, database *db.DB) error {
	_, pending, err := database.MigrationStatus()
	if err != nil {
		return exitError(ExitError, fmt.Errorf("failed to get migration status: %w", err))
	}

	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending migrations. Database is up to date.")
		return nil
	}

	fmt.Fprintln(out, "Pending migrations (would be applied):")
	for _, m := range pending {
		fmt.Fprintf(out, "  ○ %s\n", m)
	}
	fmt.Fprintf(out, "\nTotal: %d migration(s) would be applied.\n", len(pending))
	return nil
}

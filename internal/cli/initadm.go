package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lherron/ingest/internal/cli/appctx"
	"github.com/lherron/ingest/internal/db"
)

func newInitAdmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the ingest database",
		Long: `Initialize creates the SQLite database and its parent directory, then
runs all migrations. Running it against an existing database only applies
pending migrations.`,
		Args: cobra.NoArgs,
		RunE: appctx.WithApp(appctx.Options{}, runInitAdm),
	}
}

func runInitAdm(app *appctx.App, cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	dbPath := app.Config.DBPath

	dbExists := false
	if _, err := os.Stat(dbPath); err == nil {
		dbExists = true
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return exitError(ExitError, fmt.Errorf("failed to create database directory: %w", err))
	}

	// Open database (creates file if it doesn't exist)
	database, err := db.Open(dbPath)
	if err != nil {
		return exitError(ExitError, fmt.Errorf("failed to open database: %w", err))
	}
	defer database.Close()

	applied, err := database.MigrateWithInfo()
	if err != nil {
		return exitError(ExitError, fmt.Errorf("failed to run migrations: %w", err))
	}

	if dbExists {
		fmt.Fprintf(out, "✓ Database already initialized at %s\n", dbPath)
		if len(applied) > 0 {
			fmt.Fprintf(out, "✓ Applied %d pending migration(s)\n", len(applied))
		}
		return nil
	}
	fmt.Fprintf(out, "✓ Initialized new database at %s\n", dbPath)
	return nil
}

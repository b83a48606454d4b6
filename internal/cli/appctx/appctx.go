// Package appctx provides a shared bootstrap helper for CLI commands.
// It centralizes config loading, logging setup and database opening.
package appctx

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lherron/ingest/internal/config"
	"github.com/lherron/ingest/internal/db"
	"github.com/lherron/ingest/internal/logging"
	"github.com/lherron/ingest/internal/render"
	"github.com/lherron/ingest/internal/store"
)

// App holds the shared application context for commands.
type App struct {
	// Config is the loaded configuration
	Config *config.Config

	// DB is the opened database connection (nil if NeedsDB is false)
	DB *db.DB

	// Store wraps DB (nil if NeedsDB is false)
	Store *store.Store

	Log *logrus.Logger
}

// Close releases resources held by the App.
// Safe to call multiple times.
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
		a.DB = nil
		a.Store = nil
	}
}

// Renderer builds a renderer for cmd's output from --output and
// --porcelain, falling back to the configured format.
func (a *App) Renderer(cmd *cobra.Command) (*render.Renderer, error) {
	output := a.Config.Output
	if f := cmd.Flag("output"); f != nil && f.Changed {
		output = f.Value.String()
	}
	format, err := render.ParseFormat(output)
	if err != nil {
		return nil, err
	}
	porcelain := false
	if f := cmd.Flag("porcelain"); f != nil {
		porcelain = f.Value.String() == "true"
	}
	return render.NewRenderer(cmd.OutOrStdout(), render.Options{Format: format, Porcelain: porcelain}), nil
}

// Options configures the bootstrap behavior.
type Options struct {
	// NeedsDB indicates whether to open the database.
	NeedsDB bool
}

// DefaultOptions returns default options (DB required).
func DefaultOptions() Options {
	return Options{NeedsDB: true}
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
// It loads config, configures logging and opens the database.
// The database is closed automatically when the wrapped function returns.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

// Bootstrap initializes the App according to the given options.
// Callers are responsible for calling App.Close() when done.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	app := &App{}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.Config = cfg

	// Override DB path from --db flag if provided
	if dbFlag := cmd.Flag("db"); dbFlag != nil {
		if dbPath := dbFlag.Value.String(); dbPath != "" {
			app.Config.DBPath = dbPath
		}
	}
	if f := cmd.Flag("log-level"); f != nil && f.Changed {
		app.Config.LogLevel = f.Value.String()
	}

	app.Log = logrus.StandardLogger()
	if err := logging.Setup(app.Log, cmd.ErrOrStderr(), app.Config.LogLevel, app.Config.LogFormat); err != nil {
		return nil, err
	}

	if opts.NeedsDB {
		if _, err := os.Stat(app.Config.DBPath); err != nil {
			return nil, fmt.Errorf("database %s not found. Run 'ingestadm init' first", app.Config.DBPath)
		}
		database, err := db.Open(app.Config.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		if err := database.RequiresMigrationError(); err != nil {
			database.Close()
			return nil, err
		}

		app.DB = database
		app.Store = store.New(database)
	}

	return app, nil
}
